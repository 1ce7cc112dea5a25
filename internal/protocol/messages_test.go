package protocol

import (
	"errors"
	"testing"
)

func TestParseUploadDataSkipsIncompleteItems(t *testing.T) {
	raw := []byte(`[
		{"start_timestamp":"a","end_timestamp":"b","summary":"s1","embedding":[0.1,0.2]},
		{"start_timestamp":"c","end_timestamp":"d","summary":"s2"},
		"not-an-object",
		{"start_timestamp":"e","end_timestamp":"f","summary":"s3","embedding":null},
		{"start_timestamp":1,"end_timestamp":"f","summary":"s4","embedding":[]}
	]`)

	items, skipped, err := ParseUploadData(raw)
	if err != nil {
		t.Fatalf("ParseUploadData() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2: %+v", len(items), items)
	}
	if skipped != 3 {
		t.Fatalf("skipped = %d, want 3", skipped)
	}
	if items[0].Summary != "s1" || len(items[0].Embedding) != 2 {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].Embedding == nil || len(items[1].Embedding) != 0 {
		t.Fatalf("null embedding should decode as empty, got %#v", items[1].Embedding)
	}
}

func TestParseUploadDataRejectsNonArray(t *testing.T) {
	_, _, err := ParseUploadData([]byte(`{"start_timestamp":"a"}`))
	if !errors.Is(err, ErrInvalidDataFormat) {
		t.Fatalf("error = %v, want ErrInvalidDataFormat", err)
	}
}

func TestParseUploadDataMissingIsEmpty(t *testing.T) {
	items, skipped, err := ParseUploadData(nil)
	if err != nil || len(items) != 0 || skipped != 0 {
		t.Fatalf("ParseUploadData(nil) = %v, %d, %v", items, skipped, err)
	}
}

func TestParseServerMessageMemoryReplaced(t *testing.T) {
	raw := []byte(`{"type":"memory_replaced","id":"ev-1","user_id":7,"count":3,"at":"2026-01-02T03:04:05Z"}`)
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	ev, ok := msg.(Event)
	if !ok {
		t.Fatalf("message type = %T, want Event", msg)
	}
	if ev.UserID != 7 || ev.Count != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestParseServerMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
