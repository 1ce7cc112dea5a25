// Package filecontext finds local notes relevant to a query by embedding
// their content and ranking them by cosine similarity.
package filecontext

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/gobwas/glob"
	chromem "github.com/philippgille/chromem-go"

	"github.com/ent0n29/memsync/internal/gateway"
	"github.com/ent0n29/memsync/internal/memory"
)

const (
	DefaultThreshold  = 0.55
	DefaultMaxResults = 3

	defaultCacheBytes = 64 << 20
)

type Config struct {
	Folder     string
	Patterns   []string
	Threshold  float64
	MaxResults int
	// CacheBytes bounds the embedding cache; zero uses 64 MiB.
	CacheBytes int64
}

// Match is a file whose content is similar to the query.
type Match struct {
	Path       string
	Content    string
	Similarity float64
}

// cachedEmbedding keeps the backend vector for exact scoring next to the
// unit vector chromem ranks with.
type cachedEmbedding struct {
	raw  []float64
	unit []float32
}

type pattern struct {
	glob glob.Glob
	// base patterns match the file name, the rest the slash path relative to
	// the folder.
	base bool
}

type Index struct {
	folder     string
	patterns   []pattern
	threshold  float64
	maxResults int
	embedder   gateway.Embedder
	cache      *ristretto.Cache
}

func New(cfg Config, embedder gateway.Embedder) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("file context requires an embedder")
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = defaultCacheBytes
	}
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*.md"}
	}

	patterns := make([]pattern, 0, len(cfg.Patterns))
	for _, raw := range cfg.Patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		g, err := glob.Compile(raw, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern %q: %w", raw, err)
		}
		patterns = append(patterns, pattern{glob: g, base: !strings.Contains(raw, "/")})
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     cfg.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Index{
		folder:     strings.TrimSpace(cfg.Folder),
		patterns:   patterns,
		threshold:  cfg.Threshold,
		maxResults: cfg.MaxResults,
		embedder:   embedder,
		cache:      cache,
	}, nil
}

func (x *Index) Close() {
	x.cache.Close()
}

func (x *Index) matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	name := rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		name = rel[i+1:]
	}
	for _, p := range x.patterns {
		if p.base && p.glob.Match(name) {
			return true
		}
		if !p.base && p.glob.Match(rel) {
			return true
		}
	}
	return false
}

// Scan lists the files under the folder that match a pattern. An unset or
// missing folder has no files.
func (x *Index) Scan() ([]string, error) {
	if x.folder == "" {
		return nil, nil
	}
	if _, err := os.Stat(x.folder); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(x.folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(x.folder, path)
		if err != nil {
			return err
		}
		if x.matches(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", x.folder, err)
	}
	return files, nil
}

// FindRelevant returns up to MaxResults files whose similarity to query is
// strictly above the threshold, best first. A failed query embedding yields
// no results. Files that cannot be read or embedded are skipped. File
// embeddings are cached for the life of the Index, so callers answering
// several queries should reuse one.
func (x *Index) FindRelevant(ctx context.Context, query string) ([]Match, error) {
	queryVec, err := x.embedder.Embed(ctx, query)
	if err != nil || len(queryVec) == 0 {
		if err != nil {
			log.Printf("[files] query embedding failed: %v", err)
		}
		return nil, nil
	}
	queryF32, ok := normalized(queryVec)
	if !ok {
		return nil, nil
	}

	files, err := x.Scan()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("files", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create file collection: %w", err)
	}
	raw := make(map[string][]float64, len(files))
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[files] skipping %s: %v", path, err)
			continue
		}
		content := string(body)
		emb, ok := x.embed(ctx, content)
		if !ok || len(emb.unit) != len(queryF32) {
			continue
		}
		err = col.AddDocument(ctx, chromem.Document{ID: path, Content: content, Embedding: emb.unit})
		if err != nil {
			return nil, fmt.Errorf("index %s: %w", path, err)
		}
		raw[path] = emb.raw
	}
	if len(raw) == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, queryF32, min(x.maxResults, len(raw)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rank files: %w", err)
	}
	// chromem ranks in float32; the threshold gate uses the exact score.
	out := make([]Match, 0, len(results))
	for _, r := range results {
		sim, ok := memory.CosineSimilarity(queryVec, raw[r.ID])
		if !ok || sim <= x.threshold {
			continue
		}
		out = append(out, Match{Path: r.ID, Content: r.Content, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// embed returns the embedding of content, served from the cache when the
// same bytes were embedded before.
func (x *Index) embed(ctx context.Context, content string) (cachedEmbedding, bool) {
	sum := sha256.Sum256([]byte(content))
	key := hex.EncodeToString(sum[:])
	if v, ok := x.cache.Get(key); ok {
		return v.(cachedEmbedding), true
	}

	vec, err := x.embedder.Embed(ctx, content)
	if err != nil || len(vec) == 0 {
		if err != nil {
			log.Printf("[files] embedding failed: %v", err)
		}
		return cachedEmbedding{}, false
	}
	unit, ok := normalized(vec)
	if !ok {
		return cachedEmbedding{}, false
	}
	emb := cachedEmbedding{raw: append([]float64(nil), vec...), unit: unit}
	x.cache.Set(key, emb, int64(len(vec)*12))
	x.cache.Wait()
	return emb, true
}

// normalized converts v to a unit float32 vector, reporting false for a zero
// vector.
func normalized(v []float64) ([]float32, bool) {
	var norm float64
	for _, f := range v {
		norm += f * f
	}
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f / norm)
	}
	return out, true
}

// FormatContext renders matches as prompt context entries.
func FormatContext(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, fmt.Sprintf("- File: '%s'\n  Content: '%s'", m.Path, m.Content))
	}
	return strings.Join(parts, "\n")
}
