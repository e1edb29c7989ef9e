package search

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"caselog/pkg/logger"
)

// Reserved document fields. User payload fields never start with an
// underscore, so these cannot collide.
const (
	fieldType = "_type"
	fieldRaw  = "_raw"
	fieldTS   = "_ts"
)

// DefaultCommitInterval is how often buffered mutations are made visible
// to queries when the periodic committer runs.
const DefaultCommitInterval = 10 * time.Second

// Index wraps a bleve index with commit semantics: mutations accumulate in
// a pending batch and only become visible to queries after Commit.
type Index struct {
	mu      sync.Mutex
	idx     bleve.Index
	pending *bleve.Batch
	stop    chan struct{}
	done    chan struct{}
}

// Hit is one search result, hydrated from the stored payload.
type Hit struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

func buildMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name
	doc.AddFieldMappingsAt(fieldType, kw)

	raw := bleve.NewTextFieldMapping()
	raw.Index = false
	raw.Store = true
	raw.IncludeInAll = false
	doc.AddFieldMappingsAt(fieldRaw, raw)

	m.DefaultMapping = doc
	return m
}

// OpenIndex opens (or creates) a bleve index at path. An empty path opens
// an in-memory index, used by tests and by the admin reset path.
func OpenIndex(path string) (*Index, error) {
	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(buildMapping())
	} else {
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, buildMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	logger.Info("search_index_opened", "path", path)
	s := &Index{idx: idx}
	s.pending = idx.NewBatch()
	return s, nil
}

// Close commits pending mutations and closes the index.
func (s *Index) Close() error {
	s.StopCommitter()
	if err := s.Commit(); err != nil {
		logger.Error("search_close_commit_failed", "error", err)
	}
	return s.idx.Close()
}

// Upsert stages a document for (re)indexing. The payload is indexed both at
// the document top level and under data.resource_data, so either query path
// reaches it. The raw payload is stored for hydration.
func (s *Index) Upsert(id, typ string, payload map[string]interface{}, ts string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("index %s: marshal payload: %w", id, err)
	}
	doc := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		doc[k] = v
	}
	doc[fieldType] = typ
	doc[fieldRaw] = string(raw)
	doc[fieldTS] = ts
	doc["data"] = map[string]interface{}{"resource_data": payload}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Delete(id)
	if err := s.pending.Index(id, doc); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

// Delete stages removal of a document.
func (s *Index) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Delete(id)
}

// Clear removes every committed document and discards staged mutations.
// Used by rebuilds so a replay starts from an empty index.
func (s *Index) Clear() error {
	s.mu.Lock()
	s.pending = s.idx.NewBatch()
	s.mu.Unlock()
	for {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), 1000, 0, false)
		res, err := s.idx.Search(req)
		if err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := s.idx.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := s.idx.Batch(batch); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
	}
}

// Commit applies all staged mutations, making them visible to queries.
// Committing with nothing staged is a no-op.
func (s *Index) Commit() error {
	s.mu.Lock()
	batch := s.pending
	if batch.Size() == 0 {
		s.mu.Unlock()
		return nil
	}
	s.pending = s.idx.NewBatch()
	s.mu.Unlock()

	if err := s.idx.Batch(batch); err != nil {
		return fmt.Errorf("search commit: %w", err)
	}
	logger.Debug("search_committed", "mutations", batch.Size())
	return nil
}

// StartCommitter runs Commit on the given interval until StopCommitter or
// Close is called. A non-positive interval falls back to the default.
func (s *Index) StartCommitter(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCommitInterval
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := s.Commit(); err != nil {
					logger.Error("periodic_commit_failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopCommitter stops the periodic committer if it is running.
func (s *Index) StopCommitter() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Search runs a query against committed documents and hydrates hits from
// the stored payload. A non-positive limit uses a sane default.
func (s *Index) Search(q query.Query, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{fieldType, fieldRaw}
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if t, ok := h.Fields[fieldType].(string); ok {
			hit.Type = t
		}
		if raw, ok := h.Fields[fieldRaw].(string); ok {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(raw), &payload); err == nil {
				hit.Payload = payload
			}
		}
		out = append(out, hit)
	}
	return out, nil
}

// DocCount returns the number of committed documents.
func (s *Index) DocCount() (uint64, error) {
	return s.idx.DocCount()
}

// KnownFields reports the field names the index has seen so far. Queries
// use it to decide whether a field-scoped clause addresses a real field.
func (s *Index) KnownFields() (map[string]bool, error) {
	fields, err := s.idx.Fields()
	if err != nil {
		return nil, fmt.Errorf("index fields: %w", err)
	}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f] = true
	}
	return known, nil
}
