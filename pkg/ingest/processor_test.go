package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"caselog/pkg/fanout"
	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/search"
	"caselog/pkg/store"
)

func newProcessor(t *testing.T) (*Processor, *search.Index, *fanout.Hub) {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	idx, err := search.OpenIndex("")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	hub := fanout.NewHub(16)
	return NewProcessor(idx, hub), idx, hub
}

func commit(t *testing.T, data interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func process(t *testing.T, p *Processor, typ string, data interface{}) uint64 {
	t.Helper()
	seq, err := p.Process(&models.CloudEvent{
		Source: "test", Type: typ, Data: commit(t, data),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return seq
}

func searchIdx(t *testing.T, idx *search.Index, q string) []search.Hit {
	t.Helper()
	pq, err := search.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	hits, err := idx.Search(pq, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	return hits
}

func TestCommitCreatesResource(t *testing.T) {
	p, idx, _ := newProcessor(t)
	seq := process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i1",
		"resource_data": map[string]interface{}{"title": "water leak", "involved": []string{"ada@example.nl"}},
	})
	if seq != 1 {
		t.Fatalf("seq: %d", seq)
	}
	rec, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Type != models.TypeIssue || rec.Data["title"] != "water leak" || rec.Seq != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hits := searchIdx(t, idx, "leak"); len(hits) != 1 || hits[0].ID != "i1" {
		t.Fatalf("not searchable: %+v", hits)
	}
}

func TestPatchFoldsOntoExistingState(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommitVNG, map[string]interface{}{
		"resource_id": "i1",
		"resource_data": map[string]interface{}{
			"title": "leak", "status": "open", "floor": 2,
		},
	})
	process(t, p, models.TypeJSONCommitVNG, map[string]interface{}{
		"resource_id": "i1",
		"patch":       map[string]interface{}{"status": "closed", "floor": nil},
	})
	rec, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Data["status"] != "closed" {
		t.Fatalf("patch not applied: %+v", rec.Data)
	}
	if _, ok := rec.Data["floor"]; ok {
		t.Fatalf("null member should remove key: %+v", rec.Data)
	}
	if rec.Data["title"] != "leak" {
		t.Fatalf("untouched key lost: %+v", rec.Data)
	}
	if rec.Seq != 2 {
		t.Fatalf("seq not advanced: %d", rec.Seq)
	}
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hits := searchIdx(t, idx, "status:closed"); len(hits) != 1 {
		t.Fatalf("index not updated: %+v", hits)
	}
}

func TestDeleteTombstonesAndDeindexes(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i1",
		"resource_data": map[string]interface{}{"title": "old boiler"},
	})
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"deleted":     true,
	})
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	rec, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("tombstone must remain readable: %v", err)
	}
	if !rec.Deleted {
		t.Fatalf("record not tombstoned: %+v", rec)
	}
	if hits := searchIdx(t, idx, "boiler"); len(hits) != 0 {
		t.Fatalf("deleted doc still searchable: %+v", hits)
	}
	live, err := store.ListResources("", false, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("tombstone in live listing: %+v", live)
	}
}

func TestRecreateAfterDeleteStartsFresh(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"resource_data": map[string]interface{}{
			"title": "confidential settlement", "involved": []string{"ada@example.nl"},
		},
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"deleted":     true,
	})
	rec, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if len(rec.Data) != 0 {
		t.Fatalf("tombstone retained state: %+v", rec.Data)
	}

	// A patch landing on the tombstone recreates the resource from an
	// empty object; the deleted generation must not bleed through.
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"patch":       map[string]interface{}{"status": "open"},
	})
	rec, err = store.GetResource("i1")
	if err != nil {
		t.Fatalf("get recreated: %v", err)
	}
	if rec.Deleted {
		t.Fatalf("recreated record still tombstoned: %+v", rec)
	}
	if rec.Data["status"] != "open" || len(rec.Data) != 1 {
		t.Fatalf("recreated state not fresh: %+v", rec.Data)
	}
	if _, ok := rec.Data["involved"]; ok {
		t.Fatalf("involvement resurrected across delete: %+v", rec.Data)
	}
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hits := searchIdx(t, idx, "confidential"); len(hits) != 0 {
		t.Fatalf("pre-delete text searchable again: %+v", hits)
	}

	// Full replacement after a delete behaves the same way.
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1", "deleted": true,
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i1",
		"resource_data": map[string]interface{}{"title": "new report"},
	})
	rec, err = store.GetResource("i1")
	if err != nil {
		t.Fatalf("get replaced: %v", err)
	}
	if rec.Data["title"] != "new report" || len(rec.Data) != 1 {
		t.Fatalf("replacement carried old state: %+v", rec.Data)
	}
}

func TestCommentInheritsParentInvolvedInIndexOnly(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"resource_data": map[string]interface{}{
			"title": "leak", "involved": []string{"ada@example.nl"},
		},
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "c1",
		"resource_data": map[string]interface{}{
			"content": "confirmed", "parent_id": "i1",
		},
	})
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	hits := searchIdx(t, idx, "involved:ada@example.nl AND content:confirmed")
	if len(hits) != 1 || hits[0].ID != "c1" {
		t.Fatalf("comment should carry inherited involvement in index: %+v", hits)
	}
	// The projection stays as committed.
	rec, err := store.GetResource("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := rec.Data["involved"]; ok {
		t.Fatalf("projection must not be widened: %+v", rec.Data)
	}
}

func TestInvalidEventsRejectedBeforePersistence(t *testing.T) {
	p, _, _ := newProcessor(t)
	_, err := p.Process(&models.CloudEvent{Type: models.TypeJSONCommit, Source: "test",
		Data: []byte(`{"resource_data":{"title":"no id"}}`)})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	_, err = p.Process(&models.CloudEvent{Type: models.TypeJSONCommit,
		Data: []byte(`{"resource_id":"i1","resource_data":{}}`)})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("missing source should be rejected, got %v", err)
	}
	last, err := store.LastSeq()
	if err != nil || last != 0 {
		t.Fatalf("rejected events must not consume sequences: %d %v", last, err)
	}
}

func TestOpaqueEventsAreProjectedAndSearchable(t *testing.T) {
	p, idx, _ := newProcessor(t)
	seq, err := p.Process(&models.CloudEvent{
		ID: "n1", Source: "test", Type: "org.example.note.created",
		Data: []byte(`{"note":"inspection booked"}`),
	})
	if err != nil || seq != 1 {
		t.Fatalf("process: %d %v", seq, err)
	}
	rec, err := store.GetResource("n1")
	if err != nil {
		t.Fatalf("opaque event not projected: %v", err)
	}
	if rec.Type != models.TypeUnknown {
		t.Fatalf("type: %s", rec.Type)
	}
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if hits := searchIdx(t, idx, "inspection"); len(hits) != 1 {
		t.Fatalf("opaque event not searchable: %+v", hits)
	}
}

func TestNotificationsFollowLogOrder(t *testing.T) {
	p, _, hub := newProcessor(t)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)
	for i := 1; i <= 3; i++ {
		process(t, p, models.TypeJSONCommit, map[string]interface{}{
			"resource_id":   fmt.Sprintf("i%d", i),
			"resource_data": map[string]interface{}{"title": "t"},
		})
	}
	for i := 1; i <= 3; i++ {
		select {
		case n := <-sub.C:
			if n.Seq != uint64(i) || n.ResourceID != fmt.Sprintf("i%d", i) {
				t.Fatalf("notification %d: %+v", i, n)
			}
			if n.ResourceType != models.TypeIssue {
				t.Fatalf("notification type: %+v", n)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing notification %d", i)
		}
	}
}

func TestRebuildRecoversDerivedState(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i1",
		"resource_data": map[string]interface{}{"title": "leak", "status": "open"},
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i1",
		"patch":       map[string]interface{}{"status": "closed"},
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i2",
		"resource_data": map[string]interface{}{"title": "gone"},
	})
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id": "i2", "deleted": true,
	})
	want, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Corrupt the derived state, then recover it from the log.
	if err := store.DeleteResource("i1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := p.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	got, err := store.GetResource("i1")
	if err != nil {
		t.Fatalf("get after rebuild: %v", err)
	}
	if got.Data["status"] != want.Data["status"] || got.Seq != want.Seq || got.Type != want.Type {
		t.Fatalf("rebuild diverged: got %+v want %+v", got, want)
	}
	t2, err := store.GetResource("i2")
	if err != nil || !t2.Deleted {
		t.Fatalf("tombstone not rebuilt: %+v %v", t2, err)
	}
	if hits := searchIdx(t, idx, "leak"); len(hits) != 1 || hits[0].ID != "i1" {
		t.Fatalf("index not rebuilt: %+v", hits)
	}
	if hits := searchIdx(t, idx, "gone"); len(hits) != 0 {
		t.Fatalf("deleted resource reappeared: %+v", hits)
	}
}

func TestRebuildAfterResetLeavesNoStaleDocuments(t *testing.T) {
	p, idx, _ := newProcessor(t)
	process(t, p, models.TypeJSONCommit, map[string]interface{}{
		"resource_id":   "i1",
		"resource_data": map[string]interface{}{"title": "stale leak"},
	})
	if err := idx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Reset drops the log and projections; the rebuild must not trust the
	// (now empty) projection to enumerate what the index still holds.
	if err := store.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := p.Rebuild(); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if hits := searchIdx(t, idx, "stale"); len(hits) != 0 {
		t.Fatalf("stale index documents survived reset: %+v", hits)
	}
	if n, _ := idx.DocCount(); n != 0 {
		t.Fatalf("doc count after reset rebuild: %d", n)
	}
}
