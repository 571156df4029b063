package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vandermeer/talespinner/internal/observe"
	"github.com/vandermeer/talespinner/pkg/storage/kv"
)

// Handler processes one event. Returning an error never aborts emission; the
// error is logged and the remaining listeners still run.
type Handler func(ctx context.Context, e *Event) error

// Listener subscribes a handler to a filtered slice of the event stream.
type Listener struct {
	// Name identifies the listener in logs.
	Name string

	// Types filters which event types reach Handler. Empty means all types.
	Types []Type

	// Condition, when non-nil, is an additional per-event predicate.
	Condition func(e *Event) bool

	// Handler receives matching events.
	Handler Handler

	// Priority orders notification relative to other listeners. Lower values
	// run first; equal priorities keep registration order.
	Priority Priority
}

func (l *Listener) matches(e *Event) bool {
	if len(l.Types) > 0 {
		found := false
		for _, t := range l.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if l.Condition != nil && !l.Condition(e) {
		return false
	}
	return true
}

// LogConfig configures a session event log.
type LogConfig struct {
	// SessionID namespaces all keys. Required.
	SessionID string

	// Store is the backing KV store. Required.
	Store kv.Store

	// TTL is applied to every persisted event key. Zero means no expiry.
	TTL time.Duration

	// Logger receives listener failures. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives emission counts. Defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Now is the clock used for timestamps and index scores. Test hook;
	// defaults to time.Now.
	Now func() time.Time
}

// Log is the per-session event log. Safe for concurrent use only from the
// session's own goroutine plus the simulator; listener notification is
// synchronous and re-entrant emissions from handlers are allowed.
type Log struct {
	sessionID string
	store     kv.Store
	ttl       time.Duration
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time

	listeners []*Listener
}

// NewLog validates cfg and returns an empty event log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("event: SessionID must not be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("event: Store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Log{
		sessionID: cfg.SessionID,
		store:     cfg.Store,
		ttl:       cfg.TTL,
		log:       cfg.Logger.With("component", "eventlog", "session", cfg.SessionID),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}, nil
}

func (l *Log) eventKey(id string) string {
	return fmt.Sprintf("rpg:events:%s:%s", l.sessionID, id)
}

func (l *Log) indexKey() string {
	return fmt.Sprintf("rpg:events:index:%s", l.sessionID)
}

func (l *Log) tagKey(tag string) string {
	return fmt.Sprintf("rpg:events:tags:%s:%s", l.sessionID, tag)
}

// Register adds a listener. Listeners are notified in ascending priority
// order; ties keep registration order.
func (l *Log) Register(listener *Listener) {
	l.listeners = append(l.listeners, listener)
	sort.SliceStable(l.listeners, func(i, j int) bool {
		return l.listeners[i].Priority < l.listeners[j].Priority
	})
}

// newEventID returns "evt_" plus twelve hex characters.
func newEventID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "evt_" + hex[:12]
}

// Emit assigns an ID and timestamp if missing, persists the event and
// notifies all matching listeners synchronously. The event is marked
// processed and persisted again only when at least one matching listener
// handled it without error; with no matching listener it stays unprocessed.
//
// A listener failure (error or panic) is logged and skipped; it never stops
// the remaining listeners and never fails the emission. Persistence failures
// do fail the emission, before any listener runs.
func (l *Log) Emit(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	if err := l.persist(ctx, e); err != nil {
		return fmt.Errorf("event: persist %s: %w", e.ID, err)
	}
	if err := l.store.ZAdd(ctx, l.indexKey(), kv.Z{
		Score:  float64(e.Timestamp.Unix()),
		Member: e.ID,
	}); err != nil {
		return fmt.Errorf("event: index %s: %w", e.ID, err)
	}
	for _, tag := range e.Tags {
		if err := l.store.SAdd(ctx, l.tagKey(tag), e.ID); err != nil {
			return fmt.Errorf("event: tag %s: %w", e.ID, err)
		}
	}

	l.metrics.RecordEvent(ctx, string(e.Type))
	if l.notify(ctx, e) {
		e.Processed = true
		if err := l.persist(ctx, e); err != nil {
			return fmt.Errorf("event: mark processed %s: %w", e.ID, err)
		}
	}
	return nil
}

// notify reports whether at least one matching listener handled the event
// without error.
func (l *Log) notify(ctx context.Context, e *Event) bool {
	handled := false
	for _, listener := range l.listeners {
		if !listener.matches(e) {
			continue
		}
		if l.notifyOne(ctx, listener, e) {
			handled = true
		}
	}
	return handled
}

// notifyOne isolates one listener call so a panic cannot take down the
// emission.
func (l *Log) notifyOne(ctx context.Context, listener *Listener, e *Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			l.log.Error("event listener panicked",
				"listener", listener.Name,
				"event", e.ID,
				"type", e.Type,
				"panic", r,
			)
		}
	}()
	if err := listener.Handler(ctx, e); err != nil {
		l.log.Warn("event listener failed",
			"listener", listener.Name,
			"event", e.ID,
			"type", e.Type,
			"error", err,
		)
		return false
	}
	return true
}

func (l *Log) persist(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.eventKey(e.ID), string(data), l.ttl)
}

// Get loads one event by ID.
func (l *Log) Get(ctx context.Context, id string) (*Event, error) {
	raw, err := l.store.Get(ctx, l.eventKey(id))
	if err != nil {
		return nil, fmt.Errorf("event: get %s: %w", id, err)
	}
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", id, err)
	}
	return &e, nil
}

// Recent returns up to limit events in reverse-chronological order.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Event, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := l.store.ZRevRange(ctx, l.indexKey(), 0, stop)
	if err != nil {
		return nil, fmt.Errorf("event: recent: %w", err)
	}
	return l.load(ctx, ids)
}

// ByType returns up to limit events of the given type, newest first.
func (l *Log) ByType(ctx context.Context, t Type, limit int) ([]*Event, error) {
	all, err := l.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, e := range all {
		if e.Type != t {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ByTag returns all events carrying the given tag, newest first.
func (l *Log) ByTag(ctx context.Context, tag string) ([]*Event, error) {
	ids, err := l.store.SMembers(ctx, l.tagKey(tag))
	if err != nil {
		return nil, fmt.Errorf("event: by tag %q: %w", tag, err)
	}
	events, err := l.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// ByLocation returns up to limit events at the given location, newest first.
func (l *Log) ByLocation(ctx context.Context, location string, limit int) ([]*Event, error) {
	all, err := l.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, e := range all {
		if e.Location != location {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ByTimeRange returns events with timestamps in [from, to], newest first.
func (l *Log) ByTimeRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	ids, err := l.store.ZRevRangeByScore(ctx, l.indexKey(), float64(to.Unix()), float64(from.Unix()), 0)
	if err != nil {
		return nil, fmt.Errorf("event: by time range: %w", err)
	}
	return l.load(ctx, ids)
}

// Related walks the RelatedEvents links breadth-first up to depth hops from
// the event with the given ID and returns every reachable event, excluding
// the start event itself.
func (l *Log) Related(ctx context.Context, id string, depth int) ([]*Event, error) {
	seen := map[string]bool{id: true}
	frontier := []string{id}
	var out []*Event

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, fid := range frontier {
			e, err := l.Get(ctx, fid)
			if err != nil {
				// Broken link; skip rather than fail the traversal.
				continue
			}
			for _, rid := range e.RelatedEvents {
				if seen[rid] {
					continue
				}
				seen[rid] = true
				rel, err := l.Get(ctx, rid)
				if err != nil {
					continue
				}
				out = append(out, rel)
				next = append(next, rid)
			}
		}
		frontier = next
	}
	return out, nil
}

// Summary aggregates the full log by type and priority.
type Summary struct {
	Total      int              `json:"total"`
	ByType     map[Type]int     `json:"by_type"`
	ByPriority map[Priority]int `json:"by_priority"`
}

// Summarize counts all logged events by type and priority.
func (l *Log) Summarize(ctx context.Context) (*Summary, error) {
	all, err := l.Recent(ctx, 0)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		ByType:     make(map[Type]int),
		ByPriority: make(map[Priority]int),
	}
	for _, e := range all {
		s.Total++
		s.ByType[e.Type]++
		s.ByPriority[e.Priority]++
	}
	return s, nil
}

// NarrationContext renders the most recent events as a text block for DM
// prompts: a header line followed by one "[HH:MM] Type @ location" line plus
// the description per event. Returns the empty string when the log is empty.
func (l *Log) NarrationContext(ctx context.Context, limit int) (string, error) {
	if limit <= 0 {
		limit = 15
	}
	events, err := l.Recent(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("【最近发生的重要事件】\n")
	for _, e := range events {
		b.WriteString(fmt.Sprintf("[%02d:%02d] %s", e.Timestamp.Hour(), e.Timestamp.Minute(), e.Type))
		if e.Location != "" {
			b.WriteString(" @ " + e.Location)
		}
		b.WriteString("\n")
		if e.Description != "" {
			b.WriteString("  " + e.Description + "\n")
		}
	}
	return b.String(), nil
}

func (l *Log) load(ctx context.Context, ids []string) ([]*Event, error) {
	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		e, err := l.Get(ctx, id)
		if err != nil {
			// Expired event still referenced by the index; skip it.
			l.log.Debug("skipping unloadable event", "event", id, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
