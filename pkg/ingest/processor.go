package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"caselog/pkg/fanout"
	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/search"
	"caselog/pkg/store"
	"caselog/pkg/telemetry"
	"caselog/pkg/utils"
)

// ErrInvalidEvent marks envelopes or commit payloads that fail validation
// before anything is persisted.
var ErrInvalidEvent = errors.New("invalid event")

// Processor drives an event through the pipeline: validate, append to the
// log, fold into the projection, stage in the search index, notify
// subscribers. One Process call handles one event; calls are serialized so
// projections always fold in log order.
type Processor struct {
	mu  sync.Mutex
	idx *search.Index
	hub *fanout.Hub
}

func NewProcessor(idx *search.Index, hub *fanout.Hub) *Processor {
	return &Processor{idx: idx, hub: hub}
}

// Process validates and applies a single event, returning its assigned
// sequence number. Missing envelope fields are filled with defaults before
// validation so bare commits from trusted producers still pass.
func (p *Processor) Process(ev *models.CloudEvent) (uint64, error) {
	if ev.ID == "" {
		ev.ID = utils.GenEventID()
	}
	if ev.Time == "" {
		ev.Time = utils.NowRFC3339()
	}
	if ev.SpecVersion == "" {
		ev.SpecVersion = "1.0"
	}
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var commit *models.JSONCommit
	if ev.IsCommit() {
		c, err := ev.Commit()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if err := c.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		commit = c
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seq, err := store.AppendEvent(ev)
	if err != nil {
		return 0, err
	}
	telemetry.EventsIngested.Inc()

	n := fanout.Notification{
		Seq:       seq,
		EventID:   ev.ID,
		EventType: ev.Type,
		Subject:   ev.Subject,
	}
	if commit != nil {
		rec, err := p.applyCommit(seq, ev, commit)
		if err != nil {
			// The event is in the log; the projection catches up on the
			// next rebuild. Report the failure to the caller.
			logger.Error("apply_commit_failed", "seq", seq, "resource", commit.ResourceID, "error", err)
			return seq, err
		}
		n.ResourceID = rec.ID
		n.ResourceType = rec.Type
		n.Deleted = rec.Deleted
	} else {
		rec, err := p.applyOpaque(seq, ev)
		if err != nil {
			logger.Error("apply_event_failed", "seq", seq, "event_id", ev.ID, "error", err)
			return seq, err
		}
		n.ResourceID = rec.ID
		n.ResourceType = rec.Type
	}

	if p.hub != nil {
		p.hub.Publish(n)
	}
	return seq, nil
}

// applyCommit folds a commit into the resource projection and stages the
// result in the search index.
func (p *Processor) applyCommit(seq uint64, ev *models.CloudEvent, c *models.JSONCommit) (*models.ResourceRecord, error) {
	prev, err := store.GetResource(c.ResourceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	// A commit landing on a tombstone recreates the resource from scratch:
	// nothing from the deleted generation carries over.
	if prev != nil && prev.Deleted {
		prev = nil
	}

	rec := &models.ResourceRecord{ID: c.ResourceID, Seq: seq}
	if prev != nil {
		rec.Type = prev.Type
		rec.Schema = prev.Schema
		rec.CreatedAt = prev.CreatedAt
		rec.Data = prev.Data
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = commitTime(ev, c)
	}
	rec.UpdatedAt = commitTime(ev, c)
	if c.Schema != "" {
		rec.Schema = c.Schema
	}

	switch {
	case c.Deleted:
		rec.Deleted = true
		rec.Data = nil
	case len(c.ResourceData) > 0:
		var data map[string]interface{}
		if err := json.Unmarshal(c.ResourceData, &data); err != nil {
			return nil, fmt.Errorf("resource %s: decode resource_data: %w", c.ResourceID, err)
		}
		rec.Data = data
		rec.Deleted = false
	default:
		var base map[string]interface{}
		if prev != nil {
			base = prev.Data
		}
		data, err := models.MergePatchObject(base, c.Patch)
		if err != nil {
			return nil, fmt.Errorf("resource %s: %w", c.ResourceID, err)
		}
		rec.Data = data
		rec.Deleted = false
	}

	rec.Type = models.ResolveResourceType(rec.Schema, ev.Subject, rec.Data)
	if err := store.SaveResource(rec); err != nil {
		return nil, err
	}

	if rec.Deleted {
		p.idx.Delete(rec.ID)
		telemetry.ResourcesIndexed.Dec()
	} else {
		// Index staging failure never fails the write: the log and
		// projection are already updated, the next reindex repairs it.
		if err := p.idx.Upsert(rec.ID, rec.Type, p.indexPayload(rec), rec.UpdatedAt); err != nil {
			logger.Error("index_upsert_failed", "seq", seq, "resource", rec.ID, "error", err)
		}
		if prev == nil || prev.Deleted {
			telemetry.ResourcesIndexed.Inc()
		}
	}
	logger.Debug("commit_applied", "seq", seq, "resource", rec.ID, "type", rec.Type, "deleted", rec.Deleted)
	return rec, nil
}

// applyOpaque projects a non-commit event under its own id so it is still
// materialized and searchable.
func (p *Processor) applyOpaque(seq uint64, ev *models.CloudEvent) (*models.ResourceRecord, error) {
	data := map[string]interface{}{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			// Non-JSON data stays opaque; index the envelope only.
			data = map[string]interface{}{}
		}
	}
	rec := &models.ResourceRecord{
		ID:        ev.ID,
		Type:      models.ResolveResourceType("", ev.Subject, data),
		Seq:       seq,
		CreatedAt: ev.Time,
		UpdatedAt: ev.Time,
		Data:      data,
	}
	if err := store.SaveResource(rec); err != nil {
		return nil, err
	}
	if err := p.idx.Upsert(rec.ID, rec.Type, p.indexPayload(rec), rec.UpdatedAt); err != nil {
		logger.Error("index_upsert_failed", "seq", seq, "resource", rec.ID, "error", err)
	}
	return rec, nil
}

// indexPayload builds the document staged in the search index. For comments
// the parent's involved parties are copied in, so authorization scoped
// queries reach replies whose own payload names nobody. The projection
// itself is never widened.
func (p *Processor) indexPayload(rec *models.ResourceRecord) map[string]interface{} {
	payload := rec.Data
	parent := models.ParentID(rec.Data)
	if rec.Type != models.TypeComment || parent == "" {
		return payload
	}
	prec, err := store.GetResource(parent)
	if err != nil {
		return payload
	}
	inherited := models.InvolvedParties(prec.Data)
	if len(inherited) == 0 {
		return payload
	}
	merged := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	seen := map[string]bool{}
	var involved []interface{}
	for _, v := range models.InvolvedParties(payload) {
		if !seen[v] {
			seen[v] = true
			involved = append(involved, v)
		}
	}
	for _, v := range inherited {
		if !seen[v] {
			seen[v] = true
			involved = append(involved, v)
		}
	}
	merged["involved"] = involved
	return merged
}

// Rebuild wipes the projection and the search index, then replays the full
// event log in order. The log itself is never touched; it is the source of
// truth the derived state is recovered from.
func (p *Processor) Rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	recs, err := store.ListResources("", true, 0, 0)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := store.DeleteResource(r.ID); err != nil {
			return err
		}
	}
	// Wipe the index directly rather than deleting per-projection: a reset
	// log may have fewer projections than the index has documents.
	if err := p.idx.Clear(); err != nil {
		return err
	}
	telemetry.ResourcesIndexed.Set(0)

	var after uint64
	var replayed int
	for {
		evs, err := store.ListEventsAfter(after, 500)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			break
		}
		for i := range evs {
			se := &evs[i]
			if err := p.replayOne(se); err != nil {
				logger.Warn("rebuild_skip_event", "seq", se.Seq, "error", err)
			} else {
				replayed++
			}
			after = se.Seq
		}
	}
	if err := p.idx.Commit(); err != nil {
		return err
	}
	logger.Info("rebuild_complete", "events", replayed)
	return nil
}

func (p *Processor) replayOne(se *models.StoredEvent) error {
	ev := &se.Event
	if ev.IsCommit() {
		c, err := ev.Commit()
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}
		_, err = p.applyCommit(se.Seq, ev, c)
		return err
	}
	_, err := p.applyOpaque(se.Seq, ev)
	return err
}

func commitTime(ev *models.CloudEvent, c *models.JSONCommit) string {
	if c.Timestamp != "" {
		return c.Timestamp
	}
	return ev.Time
}
