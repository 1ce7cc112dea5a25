package repository

import (
	"context"
	"encoding/json"

	"github.com/ent0n29/memsync/internal/protocol"
)

// Store persists an account's summary+embedding records with replace-all
// semantics: each ReplaceAll fully supersedes the account's prior records.
type Store interface {
	// ReplaceAll deletes every record of userID and inserts items, atomically.
	// It returns the number of records stored.
	ReplaceAll(ctx context.Context, userID int64, items []protocol.Item) (int, error)
	// ListAll returns the account's records in insertion order.
	ListAll(ctx context.Context, userID int64) ([]protocol.Item, error)
	Close() error
}

// storedRecord mirrors a persisted row; the embedding is kept as JSON text.
type storedRecord struct {
	StartTimestamp string
	EndTimestamp   string
	Summary        string
	Embedding      string
}

func encodeEmbedding(v []float64) (string, error) {
	if v == nil {
		v = []float64{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeEmbedding never fails: an unreadable stored embedding comes back empty
// so one bad row cannot break a whole download.
func decodeEmbedding(text string) []float64 {
	var v []float64
	if err := json.Unmarshal([]byte(text), &v); err != nil || v == nil {
		return []float64{}
	}
	return v
}

func (r storedRecord) item() protocol.Item {
	return protocol.Item{
		StartTimestamp: r.StartTimestamp,
		EndTimestamp:   r.EndTimestamp,
		Summary:        r.Summary,
		Embedding:      decodeEmbedding(r.Embedding),
	}
}
