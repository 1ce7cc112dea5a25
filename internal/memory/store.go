// Package memory is the local semantic memory of one profile: it buffers
// conversation turns, folds them into summary and embedding records kept in
// two JSONL logs, and answers similarity queries over them.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/gateway"
	"github.com/ent0n29/memsync/internal/policy"
)

// TimestampLayout is the turn timestamp format written to the logs.
const TimestampLayout = "2006-01-02T15:04:05.000000"

const truncationMarker = "..."

type Config struct {
	SummaryInterval     int
	SummaryMaxLength    int
	SimilarityThreshold float64
	MaxResults          int
	// PersistFailedSummaries writes an error-marker summary when the
	// summarizer fails instead of keeping the turns buffered.
	PersistFailedSummaries bool
	RedactPII              bool
	BackgroundFlush        bool
}

func DefaultConfig() Config {
	return Config{
		SummaryInterval:        4,
		SummaryMaxLength:       500,
		SimilarityThreshold:    0.7,
		MaxResults:             2,
		PersistFailedSummaries: true,
	}
}

// Turn is one buffered exchange.
type Turn struct {
	Timestamp string
	User      string
	Reply     string
}

// FlushOutcome reports what a flush wrote. A degraded write still persisted a
// record, with an error-marker summary or an empty embedding.
type FlushOutcome struct {
	Written           bool
	Turns             int
	StartTimestamp    string
	EndTimestamp      string
	SummaryDegraded   bool
	EmbeddingDegraded bool
}

func (o FlushOutcome) Degraded() bool { return o.SummaryDegraded || o.EmbeddingDegraded }

// Match is a retrieved memory and its cosine similarity to the query.
type Match struct {
	MergedMemory
	Similarity float64
}

type Store struct {
	logs       *Logs
	embedder   gateway.Embedder
	summarizer gateway.Summarizer
	cfg        Config
	now        func() time.Time

	mu      sync.Mutex
	pending []Turn

	flushMu sync.Mutex
	wg      sync.WaitGroup
}

func NewStore(logs *Logs, embedder gateway.Embedder, summarizer gateway.Summarizer, cfg Config) (*Store, error) {
	if logs == nil || embedder == nil || summarizer == nil {
		return nil, fmt.Errorf("memory store requires logs, embedder and summarizer")
	}
	def := DefaultConfig()
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = def.SummaryInterval
	}
	if cfg.SummaryMaxLength <= len(truncationMarker) {
		cfg.SummaryMaxLength = def.SummaryMaxLength
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold >= 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	return &Store{
		logs:       logs,
		embedder:   embedder,
		summarizer: summarizer,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

func (s *Store) Logs() *Logs { return s.logs }

// Pending returns the number of buffered turns.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RecordTurn buffers an exchange and flushes once the buffer reaches the
// summary interval. Flush failures are logged, never returned; the turns stay
// buffered for the next attempt.
func (s *Store) RecordTurn(ctx context.Context, user, reply string) {
	s.mu.Lock()
	s.pending = append(s.pending, Turn{
		Timestamp: s.now().Format(TimestampLayout),
		User:      user,
		Reply:     reply,
	})
	due := len(s.pending) >= s.cfg.SummaryInterval
	s.mu.Unlock()

	if !due {
		return
	}
	if !s.cfg.BackgroundFlush {
		s.autoFlush(ctx)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autoFlush(context.WithoutCancel(ctx))
	}()
}

func (s *Store) autoFlush(ctx context.Context) {
	outcome, err := s.flush(ctx, true)
	if err != nil {
		log.Printf("[memory] automatic flush failed: %v", err)
		return
	}
	if outcome.Degraded() {
		log.Printf("[memory] flushed %d turns degraded summary=%v embedding=%v",
			outcome.Turns, outcome.SummaryDegraded, outcome.EmbeddingDegraded)
	}
}

// Flush folds every buffered turn into one summary and embedding record. An
// empty buffer is a no-op. Gateway failures degrade the record rather than
// fail the flush, unless PersistFailedSummaries is off; persistence failures
// keep the buffer and return an error.
func (s *Store) Flush(ctx context.Context) (FlushOutcome, error) {
	return s.flush(ctx, false)
}

// Finalize waits for background flushes and flushes what is left. Call it
// before exit.
func (s *Store) Finalize(ctx context.Context) (FlushOutcome, error) {
	s.wg.Wait()
	return s.flush(ctx, false)
}

func (s *Store) flush(ctx context.Context, onlyWhenDue bool) (FlushOutcome, error) {
	const op = "flush"
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := append([]Turn(nil), s.pending...)
	s.mu.Unlock()

	if len(batch) == 0 || (onlyWhenDue && len(batch) < s.cfg.SummaryInterval) {
		return FlushOutcome{}, nil
	}
	if onlyWhenDue {
		// Automatic flushes cover exactly one interval.
		batch = batch[:s.cfg.SummaryInterval]
	}

	outcome := FlushOutcome{
		Turns:          len(batch),
		StartTimestamp: batch[0].Timestamp,
		EndTimestamp:   batch[len(batch)-1].Timestamp,
	}

	transcript := Transcript(batch)
	if s.cfg.RedactPII {
		transcript, _ = policy.Redact(transcript)
	}

	summary, err := s.summarizer.Summarize(ctx, transcript, s.cfg.SummaryMaxLength)
	if err != nil {
		if !s.cfg.PersistFailedSummaries {
			return FlushOutcome{}, toGatewayError(op, err)
		}
		log.Printf("[memory] summary generation failed: %v", err)
		summary = "Summary error: " + gatewayCause(err)
		outcome.SummaryDegraded = true
	}
	summary = Truncate(summary, s.cfg.SummaryMaxLength)

	embedding, err := s.embedder.Embed(ctx, summary)
	if err != nil || len(embedding) == 0 {
		if err != nil {
			log.Printf("[memory] summary embedding failed: %v", err)
		}
		embedding = []float64{}
		outcome.EmbeddingDegraded = true
	}

	err = s.logs.Append(
		SummaryRecord{StartTimestamp: outcome.StartTimestamp, EndTimestamp: outcome.EndTimestamp, Summary: summary},
		EmbeddingRecord{StartTimestamp: outcome.StartTimestamp, EndTimestamp: outcome.EndTimestamp, Embedding: embedding},
	)
	if err != nil {
		return FlushOutcome{}, err
	}

	s.mu.Lock()
	s.pending = append([]Turn(nil), s.pending[len(batch):]...)
	s.mu.Unlock()

	outcome.Written = true
	return outcome, nil
}

func toGatewayError(op string, err error) error {
	if apperr.Is(err, apperr.KindGateway) {
		return err
	}
	return apperr.Wrap(apperr.KindGateway, op, err)
}

// gatewayCause strips the apperr decoration so the marker reads like the
// backend's own message.
func gatewayCause(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

// Transcript renders turns as "User: ...\nAi: ..." blocks joined by newlines.
func Transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("User: ")
		b.WriteString(t.User)
		b.WriteString("\nAi: ")
		b.WriteString(t.Reply)
	}
	return b.String()
}

// Truncate cuts text to maxLen runes, the last three being "...".
func Truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen <= len(truncationMarker) {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-len(truncationMarker)]) + truncationMarker
}

// FindRelevant embeds query and returns up to maxResults memories whose cosine
// similarity is strictly above the threshold, best first. A failed query
// embedding yields no results; maxResults <= 0 uses the configured default.
func (s *Store) FindRelevant(ctx context.Context, query string, maxResults int) ([]Match, error) {
	if maxResults <= 0 {
		maxResults = s.cfg.MaxResults
	}
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil || len(queryVec) == 0 {
		if err != nil {
			log.Printf("[memory] query embedding failed: %v", err)
		}
		return nil, nil
	}

	memories, err := s.logs.Join()
	if err != nil {
		return nil, err
	}
	return Rank(queryVec, memories, s.cfg.SimilarityThreshold, maxResults), nil
}

// Rank scores memories against query and keeps the top n above threshold.
// Memories without an embedding, or of another dimension, are skipped.
func Rank(query []float64, memories []MergedMemory, threshold float64, n int) []Match {
	var matches []Match
	for _, m := range memories {
		sim, ok := CosineSimilarity(query, m.Embedding)
		if !ok || sim <= threshold {
			continue
		}
		matches = append(matches, Match{MergedMemory: m, Similarity: sim})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches
}

// CosineSimilarity reports false for empty, mismatched or zero vectors.
func CosineSimilarity(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// FormatContext renders matches as prompt context lines.
func FormatContext(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, fmt.Sprintf("- From conversation summary (%s - %s): '%s'",
			m.StartTimestamp, m.EndTimestamp, m.Summary))
	}
	return strings.Join(lines, "\n")
}
