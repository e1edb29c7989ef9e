package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"caselog/pkg/logger"
	"caselog/pkg/models"
)

var db *pebble.DB

// dbPath remembers where the database lives so stats can report disk usage.
var dbPath string

// seqMu serializes sequence allocation so every appended event gets a
// unique, strictly increasing number.
var seqMu sync.Mutex

const (
	eventPrefix    = "event:"
	resourcePrefix = "resource:"
	lastSeqKey     = "meta:last_seq"
)

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

// LastSeq returns the sequence number of the most recently appended event,
// or zero when the log is empty.
func LastSeq() (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(lastSeqKey))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence counter %q: %w", string(v), err)
	}
	return n, nil
}

// AppendEvent assigns the next sequence number to the event and persists it
// in the log. The counter is advanced and synced before the event record is
// written, so a crash between the two writes can lose an event but can never
// hand out the same sequence twice.
func AppendEvent(ev *models.CloudEvent) (uint64, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	seqMu.Lock()
	defer seqMu.Unlock()

	last, err := LastSeq()
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := db.Set([]byte(lastSeqKey), []byte(strconv.FormatUint(next, 10)), pebble.Sync); err != nil {
		logger.Error("seq_counter_write_failed", "seq", next, "error", err)
		return 0, err
	}

	rec := models.StoredEvent{Seq: next, Event: *ev}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := db.Set(eventKey(next), data, pebble.Sync); err != nil {
		logger.Error("append_event_failed", "seq", next, "event_id", ev.ID, "error", err)
		return 0, err
	}
	logger.Debug("event_appended", "seq", next, "event_id", ev.ID, "type", ev.Type)
	return next, nil
}

// GetEvent returns the stored event at the given sequence number.
func GetEvent(seq uint64) (*models.StoredEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(eventKey(seq))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("event %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec models.StoredEvent
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("corrupt event %d: %w", seq, err)
	}
	return &rec, nil
}

// ListEventsAfter returns up to limit events with sequence numbers strictly
// greater than after, in log order. A non-positive limit means no limit.
func ListEventsAfter(after uint64, limit int) ([]models.StoredEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(eventPrefix)
	var out []models.StoredEvent
	for iter.SeekGE(eventKey(after + 1)); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec models.StoredEvent
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// GetEventByID scans the log for an event with the given envelope id.
// Linear, used by operational lookups only.
func GetEventByID(id string) (*models.StoredEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(eventPrefix)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec models.StoredEvent
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		if rec.Event.ID == id {
			return &rec, nil
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
}

// ListEventsOffset returns up to limit events starting at the given zero
// based position in the log. It serves legacy offset style pagination.
func ListEventsOffset(offset, limit int) ([]models.StoredEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(eventPrefix)
	var out []models.StoredEvent
	pos := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if pos < offset {
			pos++
			continue
		}
		var rec models.StoredEvent
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
		pos++
	}
	return out, iter.Error()
}

// SaveResource persists the materialized state of a resource.
func SaveResource(rec *models.ResourceRecord) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", rec.ID, err)
	}
	key := []byte(resourcePrefix + rec.ID)
	if err := db.Set(key, data, pebble.Sync); err != nil {
		logger.Error("save_resource_failed", "resource", rec.ID, "error", err)
		return err
	}
	logger.Debug("resource_saved", "resource", rec.ID, "type", rec.Type, "seq", rec.Seq)
	return nil
}

// GetResource returns the materialized state of a resource, including
// tombstoned records.
func GetResource(id string) (*models.ResourceRecord, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(resourcePrefix + id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec models.ResourceRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("corrupt resource %s: %w", id, err)
	}
	return &rec, nil
}

// ListResources returns materialized resources in key order, optionally
// filtered by type, paged by offset and limit. Tombstoned resources are
// skipped unless includeDeleted is set.
func ListResources(typ string, includeDeleted bool, offset, limit int) ([]models.ResourceRecord, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(resourcePrefix)
	var out []models.ResourceRecord
	skipped := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec models.ResourceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt resource at %s: %w", iter.Key(), err)
		}
		if typ != "" && rec.Type != typ {
			continue
		}
		if rec.Deleted && !includeDeleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// DeleteResource removes a materialized record. Projections use tombstones
// instead; this exists for the admin reset path.
func DeleteResource(id string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return db.Delete([]byte(resourcePrefix+id), pebble.Sync)
}

// Reset removes every event, resource and counter key. Used by the admin
// reset operation before demo data is reloaded.
func Reset() error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	for _, prefix := range []string{eventPrefix, resourcePrefix, "meta:"} {
		if err := deletePrefix(prefix); err != nil {
			return err
		}
	}
	logger.Info("store_reset")
	return nil
}

func deletePrefix(prefix string) error {
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	p := []byte(prefix)
	batch := db.NewBatch()
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return db.Apply(batch, pebble.Sync)
}
