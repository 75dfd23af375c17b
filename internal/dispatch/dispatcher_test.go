// ABOUTME: Tests for the dispatch state machine with scripted backend doubles
// ABOUTME: Covers streaming replies, follow-up queueing, approval, resume, dedupe

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/router"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/target"
)

type sentMessage struct {
	sessionID string
	req       client.MessageRequest
}

type fakeBackend struct {
	mu              sync.Mutex
	nextSession     int
	nextRun         int
	createErr       error
	sendErr         error
	sendGate        chan struct{}
	sent            []sentMessage
	deleted         []string
	resolved        [][]approval.Decision
	cancelled       []string
	subscribedAfter []uint64

	events chan *client.Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan *client.Event, 64)}
}

func (b *fakeBackend) emit(id uint64, typ, data string) {
	b.events <- &client.Event{ID: id, Type: typ, Data: json.RawMessage(data)}
}

func (b *fakeBackend) CreateSession(ctx context.Context, req client.SessionRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.nextSession++
	return fmt.Sprintf("sess-%d", b.nextSession), nil
}

func (b *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, sessionID)
	return nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, sessionID string, req client.MessageRequest) (string, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return "", b.sendErr
	}
	b.sent = append(b.sent, sentMessage{sessionID: sessionID, req: req})
	b.nextRun++
	return fmt.Sprintf("run-%d", b.nextRun), nil
}

func (b *fakeBackend) SubscribeEvents(ctx context.Context, sessionID string, after uint64) (EventSource, error) {
	b.mu.Lock()
	b.subscribedAfter = append(b.subscribedAfter, after)
	b.mu.Unlock()
	return &fakeStream{events: b.events}, nil
}

func (b *fakeBackend) ResolveTools(ctx context.Context, sessionID, runID string, decisions []approval.Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, decisions)
	return nil
}

func (b *fakeBackend) CancelRun(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, sessionID)
	return nil
}

func (b *fakeBackend) sentMessages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

type fakeStream struct {
	events chan *client.Event
	cursor uint64
}

func (s *fakeStream) Next(ctx context.Context) (*client.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-s.events:
		if ev.ID != 0 {
			s.cursor = ev.ID
		}
		return ev, nil
	}
}

func (s *fakeStream) Cursor() uint64 { return s.cursor }
func (s *fakeStream) Close()         {}

type fakeOutbound struct {
	mu    sync.Mutex
	sends []string
}

func (o *fakeOutbound) Deliver(ctx context.Context, channelType string, tgt json.RawMessage, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends = append(o.sends, text)
	return nil
}

func (o *fakeOutbound) delivered() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.sends...)
}

func inbound(messageID, sender, text string) channel.InboundMessage {
	return channel.InboundMessage{
		ChannelType: "telegram",
		PeerID:      "42",
		Chat:        target.Direct(),
		Target:      target.Telegram{ChatID: "42"},
		Sender:      sender,
		MessageID:   messageID,
		Text:        text,
		Timestamp:   time.Now(),
	}
}

func setupDispatcher(t *testing.T, mode approval.Mode, allowlist []string) (*Dispatcher, *fakeBackend, *fakeOutbound, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy, err := approval.NewPolicy(mode, allowlist)
	require.NoError(t, err)

	backend := newFakeBackend()
	out := &fakeOutbound{}
	d := New(st, backend, out, policy, router.Config{}, Options{
		TitleTemplate: "{channel} / {peer}",
	})
	t.Cleanup(d.Close)
	return d, backend, out, st
}

func waitIdle(t *testing.T, d *Dispatcher, sessionID string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		state, ok := d.SessionState(sessionID)
		return ok && state == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleInbound_HelloStreamsReply(t *testing.T) {
	d, backend, out, st := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "hello")))

	sent := backend.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "sess-1", sent[0].sessionID)
	assert.Equal(t, "hello", sent[0].req.Content)
	assert.Equal(t, "message", sent[0].req.Type)

	backend.emit(1, "text_delta", `{"run_id":"run-1","text":"hi"}`)
	backend.emit(2, "run_completed", `{"run_id":"run-1"}`)

	waitIdle(t, d, "sess-1")
	assert.Equal(t, []string{"hi"}, out.delivered())

	mapping, err := st.GetSession(ctx, "telegram:dm:42")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", mapping.SessionID)
	assert.Equal(t, uint64(2), mapping.EventCursor)
}

func TestHandleInbound_FollowUpsQueueInOrder(t *testing.T) {
	d, backend, out, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "first")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "second")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m3", "bob", "third")))

	// Only the first message started a run; the rest queued.
	require.Len(t, backend.sentMessages(), 1)

	backend.emit(1, "text_delta", `{"run_id":"run-1","text":"ok"}`)
	backend.emit(2, "run_completed", `{"run_id":"run-1"}`)

	// The queue drains as one attributed follow-up batch.
	assert.Eventually(t, func() bool {
		return len(backend.sentMessages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sent := backend.sentMessages()
	assert.Equal(t, "follow_up", sent[1].req.Type)
	assert.Equal(t, "alice: second\nbob: third", sent[1].req.Content)

	backend.emit(3, "run_completed", `{"run_id":"run-2"}`)
	waitIdle(t, d, "sess-1")
	assert.Equal(t, []string{"ok"}, out.delivered())
}

func TestHandleInbound_DuplicateMessageIDDropped(t *testing.T) {
	d, backend, _, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "hello")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "hello")))

	assert.Len(t, backend.sentMessages(), 1)

	backend.emit(1, "run_completed", `{"run_id":"run-1"}`)
	waitIdle(t, d, "sess-1")

	// The duplicate created no follow-up entry either.
	assert.Len(t, backend.sentMessages(), 1)
}

func TestHandleInbound_AllowlistRejectsWithoutPausing(t *testing.T) {
	d, backend, out, _ := setupDispatcher(t, approval.ModeAllowlist, []string{"read_file"})
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "clean up")))

	backend.emit(1, "tool_calls_proposed",
		`{"run_id":"run-1","tool_calls":[{"id":"t1","name":"read_file"},{"id":"t2","name":"delete_file"}]}`)

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.resolved) == 1
	}, 2*time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	decisions := backend.resolved[0]
	backend.mu.Unlock()
	require.Len(t, decisions, 2)
	assert.Equal(t, approval.Approve, decisions[0].Verdict)
	assert.Equal(t, approval.Reject, decisions[1].Verdict)

	// No suspension happened.
	assert.Empty(t, d.PendingApprovals())

	backend.emit(2, "text_delta", `{"run_id":"run-1","text":"done"}`)
	backend.emit(3, "run_completed", `{"run_id":"run-1"}`)
	waitIdle(t, d, "sess-1")
	assert.Contains(t, out.delivered(), "Running: read_file, delete_file")
	assert.Contains(t, out.delivered(), "done")
}

func TestHandleInbound_ManualApprovalSuspendsAndResumes(t *testing.T) {
	d, backend, _, _ := setupDispatcher(t, approval.ModeManual, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "do it")))

	backend.emit(1, "tool_calls_proposed",
		`{"run_id":"run-1","tool_calls":[{"id":"t1","name":"delete_file"}]}`)

	assert.Eventually(t, func() bool {
		state, ok := d.SessionState("sess-1")
		return ok && state == StateToolsPendingApproval
	}, 2*time.Second, 5*time.Millisecond)

	pending := d.PendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, "sess-1", pending[0].SessionID)
	assert.Equal(t, "run-1", pending[0].RunID)

	// Follow-ups arriving during suspension queue behind the run.
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "also this")))
	require.Len(t, backend.sentMessages(), 1)

	err := d.Resolve(ctx, "sess-1", []approval.Decision{
		{ToolCallID: "t1", Verdict: approval.Approve},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.resolved) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, d.PendingApprovals())

	backend.emit(2, "run_completed", `{"run_id":"run-1"}`)

	// The queued follow-up drains after the run finishes.
	assert.Eventually(t, func() bool {
		return len(backend.sentMessages()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "also this", backend.sentMessages()[1].req.Content)

	backend.emit(3, "run_completed", `{"run_id":"run-2"}`)
	waitIdle(t, d, "sess-1")
}

func TestResolve_WithoutPendingApproval(t *testing.T) {
	d, _, _, _ := setupDispatcher(t, approval.ModeManual, nil)
	err := d.Resolve(context.Background(), "sess-404", nil)
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestHandleInbound_ResumesFromPersistedCursor(t *testing.T) {
	d, backend, _, st := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	// A prior gateway instance left a mapping with a progressed cursor.
	_, _, err := st.GetOrCreateSession(ctx, "telegram:dm:42", func(context.Context) (*store.SessionMapping, error) {
		now := time.Now().UTC()
		tgt, _ := target.Marshal(target.Telegram{ChatID: "42"})
		return &store.SessionMapping{
			SessionID: "sess-resumed", ChannelType: "telegram", Target: tgt,
			CreatedAt: now, LastActiveAt: now,
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, st.Touch(ctx, "telegram:dm:42", 42))

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "continue")))

	assert.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.subscribedAfter) == 1
	}, 2*time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	after := backend.subscribedAfter[0]
	backend.mu.Unlock()
	assert.Equal(t, uint64(42), after, "subscription must resume from the persisted cursor")

	backend.emit(43, "run_completed", `{"run_id":"run-1"}`)
	waitIdle(t, d, "sess-resumed")
}

func TestResolveSession_RollsBackOrphanedBackendSession(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy, err := approval.NewPolicy(approval.ModeAllowAll, nil)
	require.NoError(t, err)

	backend := newFakeBackend()
	out := &fakeOutbound{}
	d := New(&failingStore{Store: st}, backend, out, policy, router.Config{}, Options{})
	t.Cleanup(d.Close)

	err = d.HandleInbound(context.Background(), inbound("m1", "alice", "hello"))
	require.Error(t, err)

	backend.mu.Lock()
	deleted := append([]string(nil), backend.deleted...)
	backend.mu.Unlock()
	assert.Equal(t, []string{"sess-1"}, deleted, "orphaned backend session must be deleted")

	// The user heard about the failure instead of silence.
	assert.NotEmpty(t, out.delivered())
}

// failingStore persists nothing: GetOrCreateSession runs the create callback
// and then fails, modeling a database write error after session creation.
type failingStore struct {
	store.Store
}

func (f *failingStore) GetOrCreateSession(ctx context.Context, key string, create func(context.Context) (*store.SessionMapping, error)) (*store.SessionMapping, bool, error) {
	if _, err := create(ctx); err != nil {
		return nil, false, err
	}
	return nil, false, fmt.Errorf("disk full")
}

func TestNotifyOutOfBand_OneShot(t *testing.T) {
	d, _, out, st := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	tgt, err := target.Marshal(target.Slack{Channel: "C1"})
	require.NoError(t, err)
	require.NoError(t, st.PutDeliveryContext(ctx, &store.DeliveryContext{
		SessionID: "sess-n", ChannelType: "slack", Target: tgt,
	}, time.Hour))

	require.NoError(t, d.NotifyOutOfBand(ctx, "sess-n", "disk is full", nil))
	assert.Equal(t, []string{"disk is full"}, out.delivered())

	// The context was consumed; a second notification is undeliverable
	// and says so.
	err = d.NotifyOutOfBand(ctx, "sess-n", "still full", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_ReturnsKeyToIdle(t *testing.T) {
	d, backend, _, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "hello")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "queued")))

	require.NoError(t, d.Cancel(ctx, "telegram:dm:42"))

	state, ok := d.SessionState("sess-1")
	require.True(t, ok)
	assert.Equal(t, StateIdle, state)

	backend.mu.Lock()
	cancelled := append([]string(nil), backend.cancelled...)
	backend.mu.Unlock()
	assert.Equal(t, []string{"sess-1"}, cancelled)
}

func TestCancel_UnknownKey(t *testing.T) {
	d, _, _, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	err := d.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleInbound_SendFailureFlushesQueuedMessages(t *testing.T) {
	d, backend, out, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.sendGate = gate
	backend.sendErr = fmt.Errorf("backend exploded")
	backend.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- d.HandleInbound(ctx, inbound("m1", "alice", "first")) }()

	// Once the session exists the key is claimed, so the second message
	// queues behind the in-flight send.
	require.Eventually(t, func() bool {
		_, ok := d.SessionState("sess-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "second")))

	close(gate)
	require.Error(t, <-errCh)
	waitIdle(t, d, "sess-1")

	// The queued message was flushed with a notice, not stranded behind
	// an idle key.
	delivered := out.delivered()
	require.NotEmpty(t, delivered)
	assert.Contains(t, delivered[len(delivered)-1], "please resend")

	backend.mu.Lock()
	backend.sendErr = nil
	backend.sendGate = nil
	backend.mu.Unlock()

	require.NoError(t, d.HandleInbound(ctx, inbound("m3", "alice", "third")))
	sent := backend.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "third", sent[0].req.Content)

	backend.emit(1, "run_completed", `{"run_id":"run-1"}`)
	waitIdle(t, d, "sess-1")
}

func TestDrainQueue_FailureReportsAndClears(t *testing.T) {
	d, backend, out, _ := setupDispatcher(t, approval.ModeAllowAll, nil)
	ctx := context.Background()

	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "first")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "second")))

	backend.mu.Lock()
	backend.sendErr = fmt.Errorf("backend exploded")
	backend.mu.Unlock()

	backend.emit(1, "run_completed", `{"run_id":"run-1"}`)
	waitIdle(t, d, "sess-1")

	assert.Contains(t, out.delivered(),
		"Could not deliver your queued messages. Please resend them.")

	// The failed batch is gone; the next message starts a clean run
	// instead of dragging the old queue along.
	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()

	require.NoError(t, d.HandleInbound(ctx, inbound("m3", "alice", "third")))
	sent := backend.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "third", sent[1].req.Content)

	backend.emit(2, "run_completed", `{"run_id":"run-2"}`)
	waitIdle(t, d, "sess-1")
}

// liveStreamBackend serves run events over a real SSE connection so the
// dispatcher consumes them through client.EventStream instead of a double.
type liveStreamBackend struct {
	*fakeBackend
	client *client.Client
}

func (b *liveStreamBackend) SubscribeEvents(ctx context.Context, sessionID string, after uint64) (EventSource, error) {
	b.fakeBackend.mu.Lock()
	b.fakeBackend.subscribedAfter = append(b.fakeBackend.subscribedAfter, after)
	b.fakeBackend.mu.Unlock()
	return b.client.SubscribeEvents(ctx, sessionID, after)
}

func TestHandleInbound_FollowUpDrainsOverLiveStream(t *testing.T) {
	frames := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-frames:
				_, _ = fmt.Fprint(w, frame)
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}))
	defer srv.Close()

	emit := func(id uint64, typ, data string) {
		frames <- fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, typ, data)
	}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy, err := approval.NewPolicy(approval.ModeAllowAll, nil)
	require.NoError(t, err)

	backend := &liveStreamBackend{fakeBackend: newFakeBackend(), client: client.New(srv.URL, "")}
	out := &fakeOutbound{}
	d := New(st, backend, out, policy, router.Config{}, Options{})
	t.Cleanup(d.Close)

	ctx := context.Background()
	require.NoError(t, d.HandleInbound(ctx, inbound("m1", "alice", "first")))
	require.NoError(t, d.HandleInbound(ctx, inbound("m2", "alice", "second")))

	emit(1, "text_delta", `{"run_id":"run-1","text":"first reply"}`)
	emit(2, "run_completed", `{"run_id":"run-1"}`)

	// The queued follow-up starts a second run on the same subscription.
	assert.Eventually(t, func() bool {
		return len(backend.sentMessages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	emit(3, "text_delta", `{"run_id":"run-2","text":"second reply"}`)
	emit(4, "run_completed", `{"run_id":"run-2"}`)

	waitIdle(t, d, "sess-1")
	assert.Equal(t, []string{"first reply", "second reply"}, out.delivered())
}
