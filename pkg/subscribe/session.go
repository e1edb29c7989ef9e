package subscribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"caselog/pkg/authz"
	"caselog/pkg/fanout"
	"caselog/pkg/logger"
	"caselog/pkg/models"
	"caselog/pkg/search"
	"caselog/pkg/store"
	"caselog/pkg/telemetry"
)

// State is the lifecycle phase of a subscription session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSnapshotting
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSnapshotting:
		return "snapshotting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Server-sent event names on the stream.
const (
	EventSnapshot = "snapshot"
	EventDelta    = "delta"
	EventResync   = "resync"
)

// DefaultHeartbeat is how often a comment frame keeps idle connections
// from being reaped by proxies.
const DefaultHeartbeat = 25 * time.Second

// Snapshot is the first frame of a session: every authorized event from
// the resume cursor up to the current log position, delivered as one
// batch. LastSeq is where the following deltas start.
type Snapshot struct {
	LastSeq uint64               `json:"last_seq"`
	Events  []models.StoredEvent `json:"events"`
}

// Delta is one live update: the appended event together with its assigned
// sequence, so clients can detect gaps and resume.
type Delta struct {
	Seq          uint64             `json:"seq"`
	Event        *models.CloudEvent `json:"event"`
	ResourceID   string             `json:"resource_id,omitempty"`
	ResourceType string             `json:"resource_type,omitempty"`
	Deleted      bool               `json:"deleted,omitempty"`
}

// Session streams authorized events to one subscriber. It moves through
// connecting, authenticating, snapshotting and streaming, and ends closed.
// The authorized-topics set is computed once during the snapshot; live
// events missing from it fall back to a per-event authorization check, so
// topics created after the snapshot still get through.
type Session struct {
	hub       *fanout.Hub
	idx       *search.Index
	principal string
	heartbeat time.Duration
	after     uint64
	topics    map[string]bool

	mu    sync.Mutex
	state State
}

// NewSession creates a session in the connecting state.
func NewSession(hub *fanout.Hub, idx *search.Index) *Session {
	return &Session{hub: hub, idx: idx, heartbeat: DefaultHeartbeat, state: StateConnecting}
}

// Resume sets the cursor the snapshot starts after. Zero means the
// beginning of the log.
func (s *Session) Resume(after uint64) {
	s.after = after
}

// SetHeartbeat overrides the keepalive interval. Non-positive keeps the
// default.
func (s *Session) SetHeartbeat(d time.Duration) {
	if d > 0 {
		s.heartbeat = d
	}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	logger.Debug("session_state", "state", st.String(), "principal", s.principal)
}

// Authenticate binds the session to a principal. An empty principal closes
// the session: an unauthenticated stream would have nothing it may see.
func (s *Session) Authenticate(principal string) error {
	s.setState(StateAuthenticating)
	if principal == "" {
		s.setState(StateClosed)
		return errors.New("subscribe: missing principal")
	}
	s.principal = principal
	return nil
}

// Run writes the snapshot and then streams deltas until ctx is done. flush
// is called after every frame; pass a no-op when the writer does not
// buffer. The hub subscription is registered before the snapshot is read,
// so no event between the two can be missed.
func (s *Session) Run(ctx context.Context, w io.Writer, flush func()) error {
	if s.principal == "" {
		s.setState(StateClosed)
		return errors.New("subscribe: not authenticated")
	}
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	telemetry.StreamSubscribers.Inc()
	defer telemetry.StreamSubscribers.Dec()
	defer s.setState(StateClosed)

	s.setState(StateSnapshotting)
	snap, err := s.buildSnapshot()
	if err != nil {
		return fmt.Errorf("subscribe: snapshot: %w", err)
	}
	if err := writeFrame(w, EventSnapshot, snap); err != nil {
		return err
	}
	flush()

	s.setState(StateStreaming)
	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Lagged:
			// The hub dropped a frame for us; tell the client to
			// reconnect for a fresh snapshot rather than stream a gap.
			if err := writeFrame(w, EventResync, map[string]string{"reason": "lagged"}); err != nil {
				return err
			}
			flush()
			return nil
		case <-hb.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flush()
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			d, deliver := s.filterNotification(n)
			if !deliver {
				continue
			}
			if err := writeFrame(w, EventDelta, d); err != nil {
				return err
			}
			flush()
		}
	}
}

// buildSnapshot reads the log from the resume cursor, computes the
// principal's authorized-topics set once, and keeps only events on an
// authorized topic or the system broadcast subject. Events after the
// snapshot's anchor arrive as deltas; the client dedupes by sequence.
func (s *Session) buildSnapshot() (*Snapshot, error) {
	last, err := store.LastSeq()
	if err != nil {
		return nil, err
	}
	ids, err := authz.AuthorizedTopics(s.idx, s.principal, 0)
	if err != nil {
		return nil, err
	}
	s.topics = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.topics[id] = true
	}

	evs, err := store.ListEventsAfter(s.after, 0)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{LastSeq: last, Events: []models.StoredEvent{}}
	for i := range evs {
		if s.subjectAllowed(eventTopic(&evs[i].Event)) {
			snap.Events = append(snap.Events, evs[i])
		}
	}
	return snap, nil
}

// eventTopic resolves the topic an event belongs to: its subject when
// set, else the resource a commit addresses, else the event's own id
// (opaque events are projected under their id).
func eventTopic(ev *models.CloudEvent) string {
	if ev.Subject != "" {
		return ev.Subject
	}
	if ev.IsCommit() {
		if c, err := ev.Commit(); err == nil {
			return c.ResourceID
		}
	}
	return ev.ID
}

// subjectAllowed checks the cached set first and falls back to the
// point check, which also covers topics indexed after the set was built.
func (s *Session) subjectAllowed(subject string) bool {
	if subject == fanout.SystemSubject {
		return true
	}
	if subject == "" {
		return false
	}
	if s.topics[subject] {
		return true
	}
	if authz.IsAuthorized(s.principal, subject) {
		s.topics[subject] = true
		return true
	}
	return false
}

// filterNotification decides whether the principal may see the update and
// hydrates the delta from the log. System broadcasts always pass; resource
// updates pass when the subject or resource is an authorized topic.
func (s *Session) filterNotification(n fanout.Notification) (*Delta, bool) {
	allowed := n.Subject == fanout.SystemSubject || s.subjectAllowed(n.Subject)
	if !allowed && n.ResourceID != "" {
		if s.topics[n.ResourceID] || authz.IsAuthorized(s.principal, n.ResourceID) {
			s.topics[n.ResourceID] = true
			allowed = true
		}
	}
	if !allowed {
		return nil, false
	}
	d := &Delta{
		Seq:          n.Seq,
		ResourceID:   n.ResourceID,
		ResourceType: n.ResourceType,
		Deleted:      n.Deleted,
	}
	if se, err := store.GetEvent(n.Seq); err == nil {
		d.Event = &se.Event
	}
	return d, true
}

// writeFrame encodes one server-sent event.
func writeFrame(w io.Writer, event string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
