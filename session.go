package lattice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Collaborator interfaces
//
// The session takes its transports, cache, and roster as explicit
// parameters scoped to the conversation view's lifetime. There is no ambient
// global state.
// ============================================================================

// Transport is the REST side of a conversation, satisfied by *Client.
type Transport interface {
	FetchHistory(ctx context.Context, conversationKey string, limit, offset int) ([]map[string]any, error)
	SendMessage(ctx context.Context, conversationKey, content string) (string, error)
	EditMessage(ctx context.Context, conversationKey, messageID, content string) error
	DeleteMessage(ctx context.Context, conversationKey, messageID string) error
}

// RealtimeSender is the push-channel send side, satisfied by
// *RealtimeClient. SendMessage reports only a boolean success; the
// authoritative record arrives later as a push event.
type RealtimeSender interface {
	Connected() bool
	SendMessage(ctx context.Context, conversationKey, content string) (bool, error)
}

// Roster supplies member and blocked-sender data for a conversation. It is
// owned by the surrounding group-management layer and may refresh
// independently of message flow.
type Roster interface {
	Members(conversationKey string) []Member
	BlockedSenders(conversationKey string) map[string]struct{}
}

// StaticRoster is a fixed Roster, enough for direct chats and tests.
type StaticRoster struct {
	MemberList []Member
	Blocked    map[string]struct{}
}

func (r *StaticRoster) Members(string) []Member { return r.MemberList }

func (r *StaticRoster) BlockedSenders(string) map[string]struct{} { return r.Blocked }

// ============================================================================
// Session events
// ============================================================================

// Session event names.
const (
	EventTimelineChanged = "timeline.changed"
	EventMessageNew      = "message.new"
	EventMessageFailed   = "message.failed"
	EventEditRejected    = "edit.rejected"
	EventDeleteRejected  = "delete.rejected"
)

// RejectedPayload accompanies edit.rejected and delete.rejected events.
type RejectedPayload struct {
	MessageID string
	Class     string
	Err       error
}

// SessionEventHandler handles session events.
type SessionEventHandler func(event string, payload any)

type sessionEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
}

func (e *sessionEmitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *sessionEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in UI callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// Session
// ============================================================================

// ErrSessionClosed is returned by operations on a session whose conversation
// has been switched away from.
var ErrSessionClosed = errors.New("session closed")

// ErrUnknownMessage is returned when an edit/delete/retry target is not in
// the timeline.
var ErrUnknownMessage = errors.New("unknown message id")

// SessionOptions configures optional Session collaborators.
type SessionOptions struct {
	Cache    *MessageCache
	Realtime RealtimeSender
	Roster   Roster

	// CallTimeout bounds every network call so a hung request cannot block
	// a retry or a new send. Default 10s.
	CallTimeout time.Duration

	// HistoryLimit is the REST page size on open. Default 50.
	HistoryLimit int

	Logger *zap.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Session owns the message timeline of one open conversation. It is the
// single source of truth a chat view renders from: every mutation goes
// through whole-timeline replacement under one lock, so a push-driven merge
// and a user-driven optimistic append can never lose each other's update.
//
// Controller methods block; a UI caller that wants fire-and-forget wraps
// them in a goroutine and re-renders on session events.
type Session struct {
	sessionEmitter

	key       string
	transport Transport
	realtime  RealtimeSender
	cache     *MessageCache
	roster    Roster
	rec       Reconciler
	log       *zap.Logger
	now       func() time.Time

	callTimeout  time.Duration
	historyLimit int

	mu              sync.Mutex
	timeline        []Message
	closed          bool
	sending         bool
	loadingHistory  bool
	inflightEdits   map[string]struct{}
	inflightDeletes map[string]struct{}
}

// NewSession creates a session for one conversation. transport is required;
// opts and its fields are optional.
func NewSession(conversationKey string, identity Resolver, transport Transport, opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	s := &Session{
		sessionEmitter:  sessionEmitter{listeners: make(map[string][]SessionEventHandler)},
		key:             conversationKey,
		transport:       transport,
		realtime:        opts.Realtime,
		cache:           opts.Cache,
		roster:          opts.Roster,
		rec:             Reconciler{Identity: identity},
		log:             opts.Logger,
		now:             opts.Clock,
		callTimeout:     opts.CallTimeout,
		historyLimit:    opts.HistoryLimit,
		inflightEdits:   make(map[string]struct{}),
		inflightDeletes: make(map[string]struct{}),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.callTimeout == 0 {
		s.callTimeout = 10 * time.Second
	}
	if s.historyLimit == 0 {
		s.historyLimit = 50
	}
	return s
}

// ConversationKey returns the conversation this session is bound to.
func (s *Session) ConversationKey() string { return s.key }

// Identity returns the ownership resolver the session reconciles with.
func (s *Session) Identity() Resolver { return s.rec.Identity }

// Close marks the session stale. In-flight operations that resolve
// afterwards become no-ops instead of mutating state for a conversation the
// user has left.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ── Read side ─────────────────────────────────────────────

// Timeline returns a snapshot of the reconciled timeline.
func (s *Session) Timeline() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.timeline...)
}

// Grouped derives the date-grouped presentation view of the timeline.
func (s *Session) Grouped() []DateGroup {
	return GroupByDate(s.Timeline(), s.now())
}

// IsSending reports whether a send or retry is in flight.
func (s *Session) IsSending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// IsLoadingHistory reports whether the initial REST fetch is in flight.
func (s *Session) IsLoadingHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingHistory
}

// SenderDisplay resolves display data for a message against the current
// roster.
func (s *Session) SenderDisplay(m Message) SenderDisplay {
	var members []Member
	if s.roster != nil {
		members = s.roster.Members(s.key)
	}
	own := s.rec.Identity.IsOwn(m.SenderID, m.ID)
	return s.rec.Identity.SenderDisplay(m.SenderID, own, members)
}

// ── Open ──────────────────────────────────────────────────

// Open loads the conversation: cached history is merged first for instant
// paint, then the REST page is fetched and reconciled on top. The cache
// merge always happens before the first REST merge; the push channel may
// interleave freely, merge order does not change the result.
//
// A fetch failure leaves the cached timeline in place and is returned to the
// caller.
func (s *Session) Open(ctx context.Context) error {
	if s.cache != nil {
		if cached := s.cache.Load(s.key); len(cached) > 0 {
			if !s.applyMerge(cached) {
				return ErrSessionClosed
			}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.loadingHistory = true
	s.mu.Unlock()

	var raws []map[string]any
	err := s.call(ctx, func(ctx context.Context) error {
		var e error
		raws, e = s.transport.FetchHistory(ctx, s.key, s.historyLimit, 0)
		return e
	})

	s.mu.Lock()
	s.loadingHistory = false
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err != nil {
		return err
	}

	s.applyMerge(NormalizeBatch(raws, s.key, s.now()))
	return nil
}

// ── Optimistic send / retry ───────────────────────────────

// Send appends a provisional pending entry immediately, then delivers over
// the realtime channel when connected, falling back to REST. On success the
// entry becomes delivered, adopting the authoritative id if the transport
// returned one. If both channels fail, the entry stays in the timeline as
// failed with a reason, ready for Retry. A user's attempted message is
// never dropped.
func (s *Session) Send(ctx context.Context, content string) error {
	m := Message{
		ID:              NewProvisionalID(),
		ConversationKey: s.key,
		SenderID:        s.rec.Identity.LocalUserID,
		Content:         content,
		Status:          StatusPending,
		SortKey:         s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.sending = true
	s.timeline = appendSorted(s.timeline, m)
	s.mu.Unlock()
	s.emit(EventTimelineChanged, nil)

	return s.deliver(ctx, m.ID, content)
}

// Retry re-attempts delivery of a failed entry over the same two-channel
// path. Retries are unbounded; each is a fresh attempt.
func (s *Session) Retry(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if s.timeline[idx].Status != StatusFailed {
		// Already delivered or still in flight; nothing to do.
		s.mu.Unlock()
		return nil
	}
	s.timeline[idx].Status = StatusRetrying
	s.timeline[idx].RetryCount++
	s.timeline[idx].FailReason = ""
	id := s.timeline[idx].ID
	content := s.timeline[idx].Content
	s.sending = true
	s.mu.Unlock()
	s.emit(EventTimelineChanged, nil)

	return s.deliver(ctx, id, content)
}

// deliver runs the realtime-first, REST-fallback attempt and resolves the
// entry identified by id.
func (s *Session) deliver(ctx context.Context, id MessageID, content string) error {
	serverID, err := s.attemptDelivery(ctx, content)

	s.mu.Lock()
	s.sending = false
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	idx := s.indexOf(id.String())
	if idx < 0 {
		// A push echo already replaced the provisional entry.
		s.mu.Unlock()
		s.persist()
		return nil
	}
	if err != nil {
		s.timeline[idx].Status = StatusFailed
		s.timeline[idx].FailReason = err.Error()
	} else {
		s.timeline[idx].Status = StatusDelivered
		s.timeline[idx].FailReason = ""
		if serverID != "" {
			s.timeline[idx].ID = ServerID(serverID)
		}
	}
	failed := s.timeline[idx]
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
	if err != nil {
		s.emit(EventMessageFailed, failed)
	}
	return err
}

// attemptDelivery tries the realtime channel first when connected; any
// realtime error or explicit non-success falls through to REST. Returns the
// authoritative id when a channel reported one.
func (s *Session) attemptDelivery(ctx context.Context, content string) (string, error) {
	if s.realtime != nil && s.realtime.Connected() {
		var ok bool
		rtErr := s.call(ctx, func(ctx context.Context) error {
			var e error
			ok, e = s.realtime.SendMessage(ctx, s.key, content)
			return e
		})
		if rtErr == nil && ok {
			// The realtime channel acks with a boolean only; the provisional
			// id stays until the authoritative push echo replaces the entry.
			return "", nil
		}
		s.log.Debug("realtime send failed, falling back to REST",
			zap.String("conversation", s.key), zap.Error(rtErr))
	}

	var id string
	err := s.call(ctx, func(ctx context.Context) error {
		var e error
		id, e = s.transport.SendMessage(ctx, s.key, content)
		return e
	})
	return id, err
}

// ── Optimistic edit / delete ──────────────────────────────

// Edit optimistically rewrites a message and calls the edit API. On
// rejection the pre-edit snapshot is restored in full and an edit.rejected
// event carries the failure class. A second Edit for the same message while
// one is in flight is ignored.
func (s *Session) Edit(ctx context.Context, messageID, newContent string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, busy := s.inflightEdits[messageID]; busy {
		s.mu.Unlock()
		return nil
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	snapshot := s.timeline[idx]
	s.timeline[idx].Content = newContent
	s.timeline[idx].Edited = true
	s.timeline[idx].Status = StatusPending
	s.inflightEdits[messageID] = struct{}{}
	s.mu.Unlock()
	s.emit(EventTimelineChanged, nil)

	err := s.call(ctx, func(ctx context.Context) error {
		return s.transport.EditMessage(ctx, s.key, messageID, newContent)
	})

	s.mu.Lock()
	delete(s.inflightEdits, messageID)
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if idx = s.indexOf(messageID); idx >= 0 {
		if err != nil {
			s.timeline[idx] = snapshot
		} else {
			s.timeline[idx].Status = StatusDelivered
		}
	}
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
	if err != nil {
		s.emit(EventEditRejected, RejectedPayload{
			MessageID: messageID, Class: ErrorClass(err), Err: err,
		})
	}
	return err
}

// Delete optimistically tombstones a message and calls the delete API. The
// caller is responsible for user confirmation before invoking this. On
// rejection the tombstone is reverted in full. A second Delete for the same
// message while one is in flight is ignored.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, busy := s.inflightDeletes[messageID]; busy {
		s.mu.Unlock()
		return nil
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	snapshot := s.timeline[idx]
	s.timeline[idx].Content = Tombstone
	s.timeline[idx].Deleted = true
	s.timeline[idx].Status = StatusPending
	s.inflightDeletes[messageID] = struct{}{}
	s.mu.Unlock()
	s.emit(EventTimelineChanged, nil)

	err := s.call(ctx, func(ctx context.Context) error {
		return s.transport.DeleteMessage(ctx, s.key, messageID)
	})

	s.mu.Lock()
	delete(s.inflightDeletes, messageID)
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if idx = s.indexOf(messageID); idx >= 0 {
		if err != nil {
			s.timeline[idx] = snapshot
		} else {
			s.timeline[idx].Status = StatusDelivered
		}
	}
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
	if err != nil {
		s.emit(EventDeleteRejected, RejectedPayload{
			MessageID: messageID, Class: ErrorClass(err), Err: err,
		})
	}
	return err
}

// ── Push handling ─────────────────────────────────────────

// HandlePush merges a raw push record into the timeline. A pushed record
// that matches a still-pending optimistic entry replaces it in place. The
// message.new event fires only for entries that were genuinely new and not
// the local user's own, so the UI never double-toasts a message it already
// showed optimistically.
func (s *Session) HandlePush(record map[string]any) {
	m := NormalizeRecord(record, s.key, s.now())
	m.ViaRealtime = true
	if m.ConversationKey != s.key {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	existed := findDuplicate(s.timeline, m) >= 0
	blockedByFilter := s.rec.isBlocked(m, s.blockedSet())
	s.timeline = s.rec.MergeBatch(s.timeline, []Message{m}, s.blockedSet())
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
	if !existed && !blockedByFilter && !s.rec.Identity.IsOwn(m.SenderID, m.ID) {
		s.emit(EventMessageNew, m)
	}
}

// HandleEdit applies a push edit notification.
func (s *Session) HandleEdit(messageID, content string) {
	s.mutateByID(messageID, func(m *Message) {
		if m.Deleted {
			return
		}
		m.Content = content
		m.Edited = true
	})
}

// HandleDelete applies a push delete notification by tombstoning.
func (s *Session) HandleDelete(messageID string) {
	s.mutateByID(messageID, func(m *Message) {
		m.Content = Tombstone
		m.Deleted = true
	})
}

// HandleRead applies a push read receipt.
func (s *Session) HandleRead(messageID string) {
	s.mutateByID(messageID, func(m *Message) {
		m.Read = true
	})
}

// RefreshBlocked re-applies the blocked-sender filter after the blocked list
// changed without new messages arriving.
func (s *Session) RefreshBlocked() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timeline = s.rec.FilterBlocked(s.timeline, s.blockedSet())
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
}

// ── Internals ─────────────────────────────────────────────

// call bounds every network call uniformly so a hung request cannot block
// further user actions.
func (s *Session) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(ctx)
}

// applyMerge replaces the timeline with the merge result. Returns false if
// the session is closed.
func (s *Session) applyMerge(incoming []Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.timeline = s.rec.MergeBatch(s.timeline, incoming, s.blockedSet())
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
	return true
}

// persist writes the current timeline snapshot to the cache, best-effort.
func (s *Session) persist() {
	if s.cache == nil {
		return
	}
	s.cache.Save(s.key, s.Timeline())
}

// mutateByID applies fn to the entry with the given id, then persists and
// notifies. Unknown ids are ignored.
func (s *Session) mutateByID(messageID string, fn func(*Message)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	idx := s.indexOf(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	fn(&s.timeline[idx])
	s.mu.Unlock()

	s.persist()
	s.emit(EventTimelineChanged, nil)
}

// indexOf locates a timeline entry by serialized id. Callers hold s.mu.
func (s *Session) indexOf(messageID string) int {
	for i := range s.timeline {
		if s.timeline[i].ID.String() == messageID {
			return i
		}
	}
	return -1
}

// blockedSet reads the current blocked-sender set. Callers may hold s.mu;
// roster providers must not call back into the session.
func (s *Session) blockedSet() map[string]struct{} {
	if s.roster == nil {
		return nil
	}
	return s.roster.BlockedSenders(s.key)
}

// appendSorted inserts m keeping ascending sort-key order. Optimistic
// entries carry "now" and almost always land at the tail.
func appendSorted(timeline []Message, m Message) []Message {
	timeline = append(timeline, m)
	for i := len(timeline) - 1; i > 0; i-- {
		if !timeline[i].SortKey.Before(timeline[i-1].SortKey) {
			break
		}
		timeline[i], timeline[i-1] = timeline[i-1], timeline[i]
	}
	return timeline
}
