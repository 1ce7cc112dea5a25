package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Item is one SyncPayload entry: a summary record joined with its embedding.
type Item struct {
	StartTimestamp string    `json:"start_timestamp"`
	EndTimestamp   string    `json:"end_timestamp"`
	Summary        string    `json:"summary"`
	Embedding      []float64 `json:"embedding"`
}

// RequiredItemFields lists the keys an uploaded item must carry to be stored.
var RequiredItemFields = []string{"start_timestamp", "end_timestamp", "summary", "embedding"}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
}

type LoginResponse struct {
	Token   string `json:"token"`
	UserID  int64  `json:"user_id"`
	Message string `json:"message"`
}

type UploadRequest struct {
	Data []Item `json:"data"`
}

type UploadResponse struct {
	Message  string `json:"message"`
	Accepted int    `json:"accepted"`
	Received int    `json:"received"`
}

type DownloadResponse struct {
	Data    []Item `json:"data"`
	Count   int    `json:"count"`
	// Skipped counts incomplete items the client dropped; it is not sent.
	Skipped int    `json:"-"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

var ErrInvalidDataFormat = errors.New("invalid data format")

// ParseUploadData decodes the raw "data" member of an upload body. Items that
// are not objects, miss one of RequiredItemFields, or carry a field of the
// wrong type are skipped and counted; they never fail the batch. A missing or
// null member is an empty batch, anything else that is not an array is
// ErrInvalidDataFormat.
func ParseUploadData(raw json.RawMessage) (items []Item, skipped int, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, 0, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, 0, ErrInvalidDataFormat
	}
	items = make([]Item, 0, len(elems))
	for _, elem := range elems {
		item, ok := ParseItem(elem)
		if !ok {
			skipped++
			continue
		}
		items = append(items, item)
	}
	return items, skipped, nil
}

// ParseItem decodes a single upload item, reporting false when it is unusable.
func ParseItem(raw json.RawMessage) (Item, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Item{}, false
	}
	for _, key := range RequiredItemFields {
		if _, ok := fields[key]; !ok {
			return Item{}, false
		}
	}

	var item Item
	if err := json.Unmarshal(fields["start_timestamp"], &item.StartTimestamp); err != nil {
		return Item{}, false
	}
	if err := json.Unmarshal(fields["end_timestamp"], &item.EndTimestamp); err != nil {
		return Item{}, false
	}
	if err := json.Unmarshal(fields["summary"], &item.Summary); err != nil {
		return Item{}, false
	}
	if err := json.Unmarshal(fields["embedding"], &item.Embedding); err != nil {
		return Item{}, false
	}
	if item.Embedding == nil {
		item.Embedding = []float64{}
	}
	return item, true
}

// MessageType identifies websocket event variants.
type MessageType string

const (
	TypeMemoryReplaced MessageType = "memory_replaced"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Event is pushed to every device of an account after its remote memory changes.
type Event struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	UserID int64       `json:"user_id"`
	Count  int         `json:"count"`
	At     time.Time   `json:"at"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeMemoryReplaced:
		var msg Event
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" || msg.UserID == 0 {
			return nil, errors.New("invalid memory_replaced")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
