// Package knowledge retrieves reference passages for stage prompts from a
// local corpus of vulnerability catalogs (NVD, CWE, CAPEC, MITRE ATT&CK, the
// Automotive Threat Matrix) and standards text.
//
// Documents are embedded once when ingested and kept in an Index that can
// be saved to and loaded from disk. A Retriever issues the per-stage
// similarity queries and formats the hits for the prompt.
package knowledge

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Source names the catalog a document came from.
type Source string

const (
	SourceNVD      Source = "NVD"
	SourceCWE      Source = "CWE"
	SourceCAPEC    Source = "CAPEC"
	SourceATTCK    Source = "ATTCK"
	SourceATM      Source = "ATM"
	SourceStandard Source = "STANDARD"
)

// Document is one retrievable passage.
type Document struct {
	ID       string            `json:"id"`
	Source   Source            `json:"source"`
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (d Document) key() string {
	return string(d.Source) + ":" + d.ID
}

func (d Document) text() string {
	return d.Title + "\n\n" + d.Body
}

// Embedder turns texts into vectors, one per text in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultBatchSize bounds the texts sent in one embedding call.
const DefaultBatchSize = 64

type entry struct {
	Doc    Document  `json:"doc"`
	Vector []float32 `json:"vector"`
}

// Index is an in-memory exact nearest neighbour index over embedded
// documents. It is safe for concurrent use.
type Index struct {
	embedder  Embedder
	batchSize int

	mu      sync.RWMutex
	entries []entry
	ids     map[string]bool
	dim     int
}

// NewIndex returns an empty index.
func NewIndex(e Embedder) *Index {
	return &Index{embedder: e, batchSize: DefaultBatchSize, ids: make(map[string]bool)}
}

// Len returns the number of indexed documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Add embeds and indexes the documents not indexed yet, identified by
// source and ID. It returns how many were added.
func (x *Index) Add(ctx context.Context, docs []Document) (int, error) {
	x.mu.RLock()
	fresh := make([]Document, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.ID == "" || x.ids[d.key()] || seen[d.key()] {
			continue
		}
		seen[d.key()] = true
		fresh = append(fresh, d)
	}
	x.mu.RUnlock()

	added := 0
	for batch := range slices.Chunk(fresh, x.batchSize) {
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.text()
		}
		vecs, err := x.embedder.Embed(ctx, texts)
		if err != nil {
			return added, fmt.Errorf("embed documents: %w", err)
		}
		if len(vecs) != len(batch) {
			return added, fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(batch))
		}

		x.mu.Lock()
		for i, d := range batch {
			if x.ids[d.key()] {
				continue
			}
			if x.dim == 0 {
				x.dim = len(vecs[i])
			}
			if len(vecs[i]) != x.dim {
				x.mu.Unlock()
				return added, fmt.Errorf("vector dimension %d does not match index dimension %d", len(vecs[i]), x.dim)
			}
			x.entries = append(x.entries, entry{Doc: d, Vector: vecs[i]})
			x.ids[d.key()] = true
			added++
		}
		x.mu.Unlock()
	}
	return added, nil
}

// Search returns up to k documents of the source closest to the query by
// squared Euclidean distance. An empty source searches every source.
func (x *Index) Search(ctx context.Context, query string, source Source, k int) ([]Document, error) {
	if k <= 0 || x.Len() == 0 {
		return nil, nil
	}
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}
	q := vecs[0]

	type hit struct {
		doc  Document
		dist float32
	}
	x.mu.RLock()
	if len(q) != x.dim {
		x.mu.RUnlock()
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(q), x.dim)
	}
	hits := make([]hit, 0, len(x.entries))
	for _, e := range x.entries {
		if source != "" && e.Doc.Source != source {
			continue
		}
		hits = append(hits, hit{doc: e.Doc, dist: distance(q, e.Vector)})
	}
	x.mu.RUnlock()

	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.dist, b.dist) })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Document, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out, nil
}

func distance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

type snapshot struct {
	Dimension int     `json:"dimension"`
	Entries   []entry `json:"entries"`
}

// Save writes the index to path, replacing any previous file atomically.
func (x *Index) Save(path string) error {
	x.mu.RLock()
	b, err := json.Marshal(snapshot{Dimension: x.dim, Entries: x.entries})
	x.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load replaces the index contents with the file at path. A missing file
// leaves the index empty and is not an error.
func (x *Index) Load(path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("unmarshal index: %w", err)
	}

	ids := make(map[string]bool, len(snap.Entries))
	for _, e := range snap.Entries {
		if len(e.Vector) != snap.Dimension {
			return fmt.Errorf("index entry %s has dimension %d, want %d", e.Doc.ID, len(e.Vector), snap.Dimension)
		}
		ids[e.Doc.key()] = true
	}
	x.mu.Lock()
	x.entries, x.ids, x.dim = snap.Entries, ids, snap.Dimension
	x.mu.Unlock()
	return nil
}
