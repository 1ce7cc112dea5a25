package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/protocol"
)

const (
	SummaryLogName   = "chat_summary.jsonl"
	EmbeddingLogName = "chat_embeddings.jsonl"

	tempSuffix = ".tmp"
)

// SummaryRecord is one line of the summary log.
type SummaryRecord struct {
	StartTimestamp string `json:"start_timestamp"`
	EndTimestamp   string `json:"end_timestamp"`
	Summary        string `json:"summary"`
}

// EmbeddingRecord is one line of the embedding log.
type EmbeddingRecord struct {
	StartTimestamp string    `json:"start_timestamp"`
	EndTimestamp   string    `json:"end_timestamp"`
	Embedding      []float64 `json:"embedding"`
}

// Key identifies a summary span. Timestamps are opaque join keys.
type Key struct {
	Start string
	End   string
}

func (r SummaryRecord) Key() Key   { return Key{Start: r.StartTimestamp, End: r.EndTimestamp} }
func (r EmbeddingRecord) Key() Key { return Key{Start: r.StartTimestamp, End: r.EndTimestamp} }

// MergedMemory is a summary joined with its embedding. Paired is false when
// the embedding log has no record for the key; Embedding is then empty.
type MergedMemory struct {
	StartTimestamp string
	EndTimestamp   string
	Summary        string
	Embedding      []float64
	Paired         bool
}

// Logs owns the two append-only JSONL files of one profile directory.
type Logs struct {
	dir           string
	summaryPath   string
	embeddingPath string

	mu sync.Mutex

	// afterStage, when set, runs after each step of Replace and aborts it on
	// error. Stages: "summary_written", "embedding_written", "summary_renamed".
	afterStage func(stage string) error
}

// OpenLogs creates dir and both log files when missing, and removes temp files
// left behind by an interrupted Replace.
func OpenLogs(dir string) (*Logs, error) {
	const op = "open_logs"
	if strings.TrimSpace(dir) == "" {
		return nil, apperr.New(apperr.KindValidation, op, "data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, op, err)
	}
	l := &Logs{
		dir:           dir,
		summaryPath:   filepath.Join(dir, SummaryLogName),
		embeddingPath: filepath.Join(dir, EmbeddingLogName),
	}
	for _, path := range []string{l.summaryPath, l.embeddingPath} {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, op, err)
		}
		_ = f.Close()
	}
	l.removeStaleTemps()
	return l, nil
}

func (l *Logs) Dir() string           { return l.dir }
func (l *Logs) SummaryPath() string   { return l.summaryPath }
func (l *Logs) EmbeddingPath() string { return l.embeddingPath }

func (l *Logs) removeStaleTemps() {
	for _, base := range []string{SummaryLogName, EmbeddingLogName} {
		matches, err := filepath.Glob(filepath.Join(l.dir, base+".*"+tempSuffix))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if err := os.Remove(path); err == nil {
				log.Printf("[memory] removed stale temp file %s", path)
			}
		}
	}
}

// Append writes one summary line and one embedding line for the same key.
func (l *Logs) Append(summary SummaryRecord, embedding EmbeddingRecord) error {
	const op = "append_logs"
	if embedding.Embedding == nil {
		embedding.Embedding = []float64{}
	}
	summaryLine, err := marshalLine(summary)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	embeddingLine, err := marshalLine(embedding)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := appendLine(l.summaryPath, summaryLine); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if err := appendLine(l.embeddingPath, embeddingLine); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	return nil
}

func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadSummaries returns every well-formed line of the summary log in file order.
func (l *Logs) ReadSummaries() ([]SummaryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SummaryRecord
	err := readLines(l.summaryPath, func(line []byte) error {
		var rec SummaryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// ReadEmbeddings returns every well-formed line of the embedding log in file order.
func (l *Logs) ReadEmbeddings() ([]EmbeddingRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EmbeddingRecord
	err := readLines(l.embeddingPath, func(line []byte) error {
		var rec EmbeddingRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.Embedding == nil {
			rec.Embedding = []float64{}
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// readLines feeds each non-blank line to fn. Lines fn rejects are logged and
// skipped. A missing file reads as empty.
func readLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return apperr.Wrap(apperr.KindPersistence, "read_log", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				if err := fn(trimmed); err != nil {
					log.Printf("[memory] skipping malformed line %d in %s: %v", lineNo, filepath.Base(path), err)
				}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return apperr.Wrap(apperr.KindPersistence, "read_log", readErr)
		}
	}
}

// Join pairs each summary with the embedding of the same key. The summary log
// decides which records exist; keys only present in the embedding log are
// ignored. Later lines win for duplicate keys, and order follows first
// appearance in the summary log.
func (l *Logs) Join() ([]MergedMemory, error) {
	summaries, err := l.ReadSummaries()
	if err != nil {
		return nil, err
	}
	embeddings, err := l.ReadEmbeddings()
	if err != nil {
		return nil, err
	}

	byKey := make(map[Key][]float64, len(embeddings))
	for _, rec := range embeddings {
		byKey[rec.Key()] = rec.Embedding
	}

	index := make(map[Key]int, len(summaries))
	out := make([]MergedMemory, 0, len(summaries))
	for _, rec := range summaries {
		emb, paired := byKey[rec.Key()]
		if emb == nil {
			emb = []float64{}
		}
		merged := MergedMemory{
			StartTimestamp: rec.StartTimestamp,
			EndTimestamp:   rec.EndTimestamp,
			Summary:        rec.Summary,
			Embedding:      emb,
			Paired:         paired,
		}
		if i, seen := index[rec.Key()]; seen {
			out[i] = merged
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, merged)
	}
	return out, nil
}

// Pairs returns the upload payload: joined records whose key exists in both logs.
func (l *Logs) Pairs() ([]protocol.Item, error) {
	merged, err := l.Join()
	if err != nil {
		return nil, err
	}
	items := make([]protocol.Item, 0, len(merged))
	for _, m := range merged {
		if !m.Paired {
			continue
		}
		items = append(items, protocol.Item{
			StartTimestamp: m.StartTimestamp,
			EndTimestamp:   m.EndTimestamp,
			Summary:        m.Summary,
			Embedding:      m.Embedding,
		})
	}
	return items, nil
}

// Replace swaps both logs for the summary and embedding projections of items.
// Contents are written to temp files in the same directory and renamed over the
// live logs; the live logs are untouched unless every write succeeded. Temp
// files never outlive the call.
func (l *Logs) Replace(items []protocol.Item) (err error) {
	const op = "replace_logs"
	l.mu.Lock()
	defer l.mu.Unlock()

	summaryTmp, err := l.writeTemp(SummaryLogName, func(w io.Writer) error {
		for _, it := range items {
			line, err := marshalLine(SummaryRecord{StartTimestamp: it.StartTimestamp, EndTimestamp: it.EndTimestamp, Summary: it.Summary})
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		return nil
	})
	if summaryTmp != "" {
		defer os.Remove(summaryTmp)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if err := l.stage("summary_written"); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}

	embeddingTmp, err := l.writeTemp(EmbeddingLogName, func(w io.Writer) error {
		for _, it := range items {
			emb := it.Embedding
			if emb == nil {
				emb = []float64{}
			}
			line, err := marshalLine(EmbeddingRecord{StartTimestamp: it.StartTimestamp, EndTimestamp: it.EndTimestamp, Embedding: emb})
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
		}
		return nil
	})
	if embeddingTmp != "" {
		defer os.Remove(embeddingTmp)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	if err := l.stage("embedding_written"); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}

	for _, tmp := range []string{summaryTmp, embeddingTmp} {
		if _, err := os.Stat(tmp); err != nil {
			return apperr.Wrap(apperr.KindPersistence, op, fmt.Errorf("temp file missing: %w", err))
		}
	}

	// The previous summary log is restored if the second rename fails.
	previousSummary, err := os.ReadFile(l.summaryPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}

	if err := os.Rename(summaryTmp, l.summaryPath); err != nil {
		return apperr.Wrap(apperr.KindPersistence, op, err)
	}
	renameErr := l.stage("summary_renamed")
	if renameErr == nil {
		renameErr = os.Rename(embeddingTmp, l.embeddingPath)
	}
	if renameErr != nil {
		if restoreErr := l.restoreSummary(previousSummary); restoreErr != nil {
			log.Printf("[memory] restore summary log failed: %v", restoreErr)
		}
		return apperr.Wrap(apperr.KindPersistence, op, renameErr)
	}
	return nil
}

func (l *Logs) stage(name string) error {
	if l.afterStage == nil {
		return nil
	}
	return l.afterStage(name)
}

func (l *Logs) writeTemp(base string, fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(l.dir, base+".*"+tempSuffix)
	if err != nil {
		return "", err
	}
	name := f.Name()
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		_ = f.Close()
		return name, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return name, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return name, err
	}
	if err := f.Close(); err != nil {
		return name, err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return name, err
	}
	return name, nil
}

func (l *Logs) restoreSummary(previous []byte) error {
	tmp, err := l.writeTemp(SummaryLogName, func(w io.Writer) error {
		_, err := w.Write(previous)
		return err
	})
	if tmp != "" {
		defer os.Remove(tmp)
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, l.summaryPath)
}
