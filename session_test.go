package lattice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scriptable REST transport.
type fakeTransport struct {
	mu sync.Mutex

	history    []map[string]any
	historyErr error

	sendID    string
	sendErr   error
	sendCalls int

	editErr   error
	editGate  chan struct{} // when set, EditMessage blocks until closed
	editCalls int

	deleteErr   error
	deleteCalls int
}

func (f *fakeTransport) FetchHistory(ctx context.Context, key string, limit, offset int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, f.historyErr
}

func (f *fakeTransport) SendMessage(ctx context.Context, key, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendID, f.sendErr
}

func (f *fakeTransport) EditMessage(ctx context.Context, key, messageID, content string) error {
	f.mu.Lock()
	f.editCalls++
	gate := f.editGate
	err := f.editErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, key, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

// fakeRealtime is a scriptable push-channel send side.
type fakeRealtime struct {
	mu        sync.Mutex
	connected bool
	ok        bool
	err       error
	calls     int
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) SendMessage(ctx context.Context, key, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ok, f.err
}

func newTestSession(t *testing.T, transport *fakeTransport, opts *SessionOptions) *Session {
	t.Helper()
	if opts == nil {
		opts = &SessionOptions{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return baseTime }
	}
	identity := Resolver{LocalUserID: "me", LocalName: "Me"}
	return NewSession("conv-1", identity, transport, opts)
}

func TestSessionSendRealtime(t *testing.T) {
	rt := &fakeRealtime{connected: true, ok: true}
	tr := &fakeTransport{}
	s := newTestSession(t, tr, &SessionOptions{Realtime: rt})

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	timeline := s.Timeline()
	if len(timeline) != 1 {
		t.Fatalf("timeline has %d entries, want 1", len(timeline))
	}
	m := timeline[0]
	if m.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
	// The realtime ack is a boolean; the authoritative id arrives later as
	// a push echo, so the provisional id must still be in place.
	if !m.ID.Provisional() {
		t.Errorf("id = %s, want provisional until the push echo", m.ID)
	}
	if rt.calls != 1 {
		t.Errorf("realtime calls = %d", rt.calls)
	}
	if tr.sendCalls != 0 {
		t.Errorf("REST used despite realtime ack: %d calls", tr.sendCalls)
	}
}

func TestSessionSendRESTFallback(t *testing.T) {
	rt := &fakeRealtime{connected: true, err: errors.New("socket reset")}
	tr := &fakeTransport{sendID: "m123"}
	s := newTestSession(t, tr, &SessionOptions{Realtime: rt})

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	m := s.Timeline()[0]
	if m.Status != StatusDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
	if m.ID.String() != "m123" {
		t.Errorf("id = %s, want the REST-assigned m123", m.ID)
	}
	if tr.sendCalls != 1 {
		t.Errorf("REST calls = %d, want 1", tr.sendCalls)
	}
}

func TestSessionSendDisconnectedSkipsRealtime(t *testing.T) {
	rt := &fakeRealtime{connected: false}
	tr := &fakeTransport{sendID: "m9"}
	s := newTestSession(t, tr, &SessionOptions{Realtime: rt})

	if err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rt.calls != 0 {
		t.Errorf("realtime attempted while disconnected: %d calls", rt.calls)
	}
	if tr.sendCalls != 1 {
		t.Errorf("REST calls = %d", tr.sendCalls)
	}
}

func TestSessionSendFailureAndRetry(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("gateway timeout")}
	s := newTestSession(t, tr, nil)

	var failedEvents int
	s.On(EventMessageFailed, func(string, any) { failedEvents++ })

	if err := s.Send(context.Background(), "hello"); err == nil {
		t.Fatal("Send succeeded against a failing transport")
	}

	m := s.Timeline()[0]
	if m.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
	if m.FailReason == "" {
		t.Error("fail reason not recorded")
	}
	if failedEvents != 1 {
		t.Errorf("message.failed fired %d times", failedEvents)
	}

	// The transport recovers; a retry converges the entry to delivered.
	tr.mu.Lock()
	tr.sendErr = nil
	tr.sendID = "m7"
	tr.mu.Unlock()

	if err := s.Retry(context.Background(), m.ID.String()); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	got := s.Timeline()[0]
	if got.Status != StatusDelivered || got.ID.String() != "m7" {
		t.Fatalf("after retry: %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.FailReason != "" {
		t.Errorf("stale fail reason %q", got.FailReason)
	}
}

func TestSessionRetryGuards(t *testing.T) {
	tr := &fakeTransport{sendID: "m1"}
	s := newTestSession(t, tr, nil)
	if err := s.Send(context.Background(), "fine"); err != nil {
		t.Fatal(err)
	}

	t.Run("delivered entry is a no-op", func(t *testing.T) {
		if err := s.Retry(context.Background(), "m1"); err != nil {
			t.Fatalf("Retry on delivered: %v", err)
		}
		if tr.sendCalls != 1 {
			t.Errorf("retry re-sent a delivered message: %d calls", tr.sendCalls)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if err := s.Retry(context.Background(), "no-such"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want ErrUnknownMessage", err)
		}
	})
}

func TestSessionOpen(t *testing.T) {
	t.Run("cache first then fetch", func(t *testing.T) {
		cache := NewMessageCache(NewMemoryStorage(), nil)
		cache.Save("conv-1", []Message{confirmed("m1", "alice", "cached", baseTime)})

		tr := &fakeTransport{history: []map[string]any{
			{"id": "m1", "sender_id": "alice", "content": "cached", "sent_at": baseTime.Format(time.RFC3339)},
			{"id": "m2", "sender_id": "bob", "content": "fresh", "sent_at": baseTime.Add(time.Minute).Format(time.RFC3339)},
		}}
		s := newTestSession(t, tr, &SessionOptions{Cache: cache})

		if err := s.Open(context.Background()); err != nil {
			t.Fatalf("Open: %v", err)
		}

		got := contents(s.Timeline())
		if len(got) != 2 || got[0] != "cached" || got[1] != "fresh" {
			t.Fatalf("timeline = %v", got)
		}
	})

	t.Run("fetch failure keeps cached view", func(t *testing.T) {
		cache := NewMessageCache(NewMemoryStorage(), nil)
		cache.Save("conv-1", []Message{confirmed("m1", "alice", "cached", baseTime)})

		tr := &fakeTransport{historyErr: errors.New("502")}
		s := newTestSession(t, tr, &SessionOptions{Cache: cache})

		if err := s.Open(context.Background()); err == nil {
			t.Fatal("Open swallowed the fetch error")
		}
		if got := s.Timeline(); len(got) != 1 || got[0].Content != "cached" {
			t.Fatalf("cached view lost: %v", contents(got))
		}
	})

	t.Run("blocked senders filtered on open", func(t *testing.T) {
		tr := &fakeTransport{history: []map[string]any{
			{"id": "m1", "sender_id": "troll", "content": "spam"},
			{"id": "m2", "sender_id": "alice", "content": "ok"},
		}}
		roster := &StaticRoster{Blocked: map[string]struct{}{"troll": {}}}
		s := newTestSession(t, tr, &SessionOptions{Roster: roster})

		if err := s.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		got := s.Timeline()
		if len(got) != 1 || got[0].SenderID != "alice" {
			t.Fatalf("timeline = %v", contents(got))
		}
	})
}

func TestSessionPushReplacesOptimisticEntry(t *testing.T) {
	rt := &fakeRealtime{connected: true, ok: true}
	s := newTestSession(t, &fakeTransport{}, &SessionOptions{Realtime: rt})

	var newEvents int
	s.On(EventMessageNew, func(string, any) { newEvents++ })

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	// The authoritative echo arrives over the push channel.
	s.HandlePush(map[string]any{
		"id":        "m42",
		"sender_id": "me",
		"content":   "hello",
		"sent_at":   baseTime.Add(200 * time.Millisecond).Format(time.RFC3339Nano),
	})

	timeline := s.Timeline()
	if len(timeline) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(timeline))
	}
	m := timeline[0]
	if m.ID.String() != "m42" || m.ID.Provisional() {
		t.Errorf("id = %s, want the authoritative m42", m.ID)
	}
	if !m.SortKey.Equal(baseTime) {
		t.Errorf("entry moved from the position the user saw: %v", m.SortKey)
	}
	if newEvents != 0 {
		t.Errorf("message.new fired %d times for this user's own echo", newEvents)
	}
}

func TestSessionPushEvents(t *testing.T) {
	roster := &StaticRoster{Blocked: map[string]struct{}{"troll": {}}}
	s := newTestSession(t, &fakeTransport{}, &SessionOptions{Roster: roster})

	var newEvents int
	s.On(EventMessageNew, func(string, any) { newEvents++ })

	push := func(id, sender string) {
		s.HandlePush(map[string]any{"id": id, "sender_id": sender, "content": "c-" + id})
	}

	push("m1", "alice")
	if newEvents != 1 {
		t.Fatalf("message.new fired %d times for a fresh message", newEvents)
	}

	push("m1", "alice") // duplicate
	if newEvents != 1 {
		t.Errorf("duplicate push re-fired message.new")
	}

	push("m2", "troll") // blocked
	if newEvents != 1 {
		t.Errorf("blocked sender fired message.new")
	}
	if len(s.Timeline()) != 1 {
		t.Errorf("blocked push entered the timeline")
	}

	t.Run("foreign conversation ignored", func(t *testing.T) {
		s.HandlePush(map[string]any{"id": "m3", "sender_id": "alice", "content": "x", "conversation_id": "other"})
		if len(s.Timeline()) != 1 {
			t.Fatal("record for another conversation merged")
		}
	})
}

func TestSessionEdit(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		tr := &fakeTransport{sendID: "m1"}
		s := newTestSession(t, tr, nil)
		if err := s.Send(context.Background(), "draft"); err != nil {
			t.Fatal(err)
		}

		if err := s.Edit(context.Background(), "m1", "final"); err != nil {
			t.Fatalf("Edit: %v", err)
		}
		m := s.Timeline()[0]
		if m.Content != "final" || !m.Edited || m.Status != StatusDelivered {
			t.Fatalf("after edit: %+v", m)
		}
	})

	t.Run("rejection rolls back in full", func(t *testing.T) {
		tr := &fakeTransport{sendID: "m1", editErr: &APIError{Code: "FORBIDDEN", Message: "not yours"}}
		s := newTestSession(t, tr, nil)
		if err := s.Send(context.Background(), "original"); err != nil {
			t.Fatal(err)
		}

		var rejected []RejectedPayload
		s.On(EventEditRejected, func(_ string, payload any) {
			rejected = append(rejected, payload.(RejectedPayload))
		})

		if err := s.Edit(context.Background(), "m1", "hacked"); err == nil {
			t.Fatal("Edit succeeded against a rejecting transport")
		}

		m := s.Timeline()[0]
		if m.Content != "original" || m.Edited || m.Status != StatusDelivered {
			t.Fatalf("rollback incomplete: %+v", m)
		}
		if len(rejected) != 1 {
			t.Fatalf("edit.rejected fired %d times", len(rejected))
		}
		if rejected[0].Class != ErrClassForbidden {
			t.Errorf("class = %q, want forbidden", rejected[0].Class)
		}
	})

	t.Run("second edit while one is in flight is ignored", func(t *testing.T) {
		gate := make(chan struct{})
		tr := &fakeTransport{sendID: "m1", editGate: gate}
		s := newTestSession(t, tr, nil)
		if err := s.Send(context.Background(), "draft"); err != nil {
			t.Fatal(err)
		}

		done := make(chan error, 1)
		go func() { done <- s.Edit(context.Background(), "m1", "first") }()

		// Wait for the first edit to reach the transport.
		deadline := time.After(2 * time.Second)
		for {
			tr.mu.Lock()
			calls := tr.editCalls
			tr.mu.Unlock()
			if calls == 1 {
				break
			}
			select {
			case <-deadline:
				t.Fatal("first edit never reached the transport")
			case <-time.After(time.Millisecond):
			}
		}

		if err := s.Edit(context.Background(), "m1", "second"); err != nil {
			t.Fatalf("overlapping edit returned %v, want silent no-op", err)
		}
		tr.mu.Lock()
		if tr.editCalls != 1 {
			t.Errorf("overlapping edit reached the transport: %d calls", tr.editCalls)
		}
		tr.mu.Unlock()

		close(gate)
		if err := <-done; err != nil {
			t.Fatalf("first edit: %v", err)
		}
		if m := s.Timeline()[0]; m.Content != "first" {
			t.Errorf("content = %q, want the first edit to win", m.Content)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{}, nil)
		if err := s.Edit(context.Background(), "ghost", "x"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want ErrUnknownMessage", err)
		}
	})
}

func TestSessionDelete(t *testing.T) {
	t.Run("success tombstones", func(t *testing.T) {
		tr := &fakeTransport{sendID: "m1"}
		s := newTestSession(t, tr, nil)
		if err := s.Send(context.Background(), "oops"); err != nil {
			t.Fatal(err)
		}

		if err := s.Delete(context.Background(), "m1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		m := s.Timeline()[0]
		if !m.Deleted || m.Content != Tombstone || m.Status != StatusDelivered {
			t.Fatalf("after delete: %+v", m)
		}
	})

	t.Run("rejection restores the message", func(t *testing.T) {
		tr := &fakeTransport{sendID: "m1", deleteErr: &APIError{Code: "NOT_FOUND", Message: "gone"}}
		s := newTestSession(t, tr, nil)
		if err := s.Send(context.Background(), "keep me"); err != nil {
			t.Fatal(err)
		}

		var rejected []RejectedPayload
		s.On(EventDeleteRejected, func(_ string, payload any) {
			rejected = append(rejected, payload.(RejectedPayload))
		})

		if err := s.Delete(context.Background(), "m1"); err == nil {
			t.Fatal("Delete succeeded against a rejecting transport")
		}

		m := s.Timeline()[0]
		if m.Deleted || m.Content != "keep me" {
			t.Fatalf("rollback incomplete: %+v", m)
		}
		if len(rejected) != 1 || rejected[0].Class != ErrClassNotFound {
			t.Fatalf("delete.rejected = %+v", rejected)
		}
	})
}

func TestSessionPushMutations(t *testing.T) {
	s := newTestSession(t, &fakeTransport{}, nil)
	s.HandlePush(map[string]any{"id": "m1", "sender_id": "alice", "content": "original"})

	t.Run("edit notification", func(t *testing.T) {
		s.HandleEdit("m1", "revised")
		if m := s.Timeline()[0]; m.Content != "revised" || !m.Edited {
			t.Fatalf("after push edit: %+v", m)
		}
	})

	t.Run("read receipt", func(t *testing.T) {
		s.HandleRead("m1")
		if !s.Timeline()[0].Read {
			t.Fatal("read flag not set")
		}
	})

	t.Run("delete notification", func(t *testing.T) {
		s.HandleDelete("m1")
		if m := s.Timeline()[0]; !m.Deleted || m.Content != Tombstone {
			t.Fatalf("after push delete: %+v", m)
		}
	})

	t.Run("edit after delete is ignored", func(t *testing.T) {
		s.HandleEdit("m1", "necromancy")
		if m := s.Timeline()[0]; m.Content != Tombstone {
			t.Fatalf("edit revived a deleted message: %+v", m)
		}
	})

	t.Run("unknown ids are ignored", func(t *testing.T) {
		s.HandleEdit("ghost", "x")
		s.HandleDelete("ghost")
		s.HandleRead("ghost")
		if len(s.Timeline()) != 1 {
			t.Fatal("mutation for unknown id changed the timeline")
		}
	})
}

func TestSessionRefreshBlocked(t *testing.T) {
	roster := &StaticRoster{}
	s := newTestSession(t, &fakeTransport{}, &SessionOptions{Roster: roster})

	s.HandlePush(map[string]any{"id": "m1", "sender_id": "alice", "content": "a"})
	s.HandlePush(map[string]any{"id": "m2", "sender_id": "bob", "content": "b"})

	roster.Blocked = map[string]struct{}{"alice": {}}
	s.RefreshBlocked()

	got := s.Timeline()
	if len(got) != 1 || got[0].SenderID != "bob" {
		t.Fatalf("timeline after refresh = %v", contents(got))
	}
}

func TestSessionClose(t *testing.T) {
	t.Run("operations refuse after close", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{}, nil)
		s.Close()

		if err := s.Send(context.Background(), "x"); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Send after close: %v", err)
		}
		if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Open after close: %v", err)
		}
	})

	t.Run("late fetch result is discarded", func(t *testing.T) {
		tr := &fakeTransport{history: []map[string]any{{"id": "m1", "content": "late"}}}
		s := newTestSession(t, tr, nil)

		// Close before Open resolves: simulate by closing first, the fetch
		// result must not land in a conversation the user left.
		s.Close()
		if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("Open: %v", err)
		}
		if len(s.Timeline()) != 0 {
			t.Fatal("stale fetch mutated a closed session")
		}
	})

	t.Run("push after close is dropped", func(t *testing.T) {
		s := newTestSession(t, &fakeTransport{}, nil)
		s.Close()
		s.HandlePush(map[string]any{"id": "m1", "content": "x"})
		if len(s.Timeline()) != 0 {
			t.Fatal("push mutated a closed session")
		}
	})
}

func TestSessionEmitterSwallowsPanics(t *testing.T) {
	tr := &fakeTransport{sendID: "m1"}
	s := newTestSession(t, tr, nil)

	s.On(EventTimelineChanged, func(string, any) { panic("ui bug") })

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("a panicking listener broke Send: %v", err)
	}
	if s.Timeline()[0].Status != StatusDelivered {
		t.Fatal("send did not complete")
	}
}

func TestSessionSenderDisplay(t *testing.T) {
	roster := &StaticRoster{MemberList: []Member{{ID: "alice", DisplayName: "Alice"}}}
	s := newTestSession(t, &fakeTransport{}, &SessionOptions{Roster: roster})

	own := s.SenderDisplay(Message{SenderID: "me", ID: ServerID("m1")})
	if own.Name != "Me" {
		t.Errorf("own display = %+v", own)
	}
	other := s.SenderDisplay(Message{SenderID: "alice", ID: ServerID("m2")})
	if other.Name != "Alice" {
		t.Errorf("roster display = %+v", other)
	}
}
