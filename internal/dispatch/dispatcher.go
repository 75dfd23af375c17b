// ABOUTME: Per-conversation dispatch state machine driving backend runs
// ABOUTME: Serializes input per routing key, queues follow-ups, applies tool approval

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/router"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/target"
)

// State is a conversation's position in the run lifecycle.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingBackend      State = "awaiting_backend"
	StateStreamingReply       State = "streaming_reply"
	StateToolsPendingApproval State = "tools_pending_approval"
)

// ErrNoPendingApproval is returned by Resolve when the session has no
// suspended tool batch.
var ErrNoPendingApproval = errors.New("no pending approval for session")

// Backend is the slice of the backend client the dispatcher drives.
type Backend interface {
	CreateSession(ctx context.Context, req client.SessionRequest) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID string, req client.MessageRequest) (string, error)
	SubscribeEvents(ctx context.Context, sessionID string, after uint64) (EventSource, error)
	ResolveTools(ctx context.Context, sessionID, runID string, decisions []approval.Decision) error
	CancelRun(ctx context.Context, sessionID string) error
}

// EventSource yields run events for one session.
type EventSource interface {
	Next(ctx context.Context) (*client.Event, error)
	Cursor() uint64
	Close()
}

// Outbound delivers reply text to a channel target. The gateway implements
// it on top of the channel adapters and per-channel markup rendering.
type Outbound interface {
	Deliver(ctx context.Context, channelType string, tgt json.RawMessage, text string) error
}

// Options tunes dispatcher behavior.
type Options struct {
	// Model is the default backend model for new runs.
	Model string
	// TitleTemplate names new backend sessions; see target.RenderTitle.
	TitleTemplate string
	// DeliveryContextTTL bounds how long an out-of-band reply address
	// stays usable.
	DeliveryContextTTL time.Duration
	// DedupeTTL bounds the inbound message id dedupe window.
	DedupeTTL time.Duration
}

// PendingApproval is the suspended state of a run waiting for an operator
// decision on proposed tool calls.
type PendingApproval struct {
	SessionID  string              `json:"session_id"`
	RunID      string              `json:"run_id"`
	RoutingKey string              `json:"routing_key"`
	Calls      []approval.ToolCall `json:"tool_calls"`
	Since      time.Time           `json:"since"`
}

type queuedMessage struct {
	sender string
	text   string
}

// conversation is the per-routing-key state. All fields are guarded by mu;
// the consume goroutine reads sessionID and key freely since they are set
// once before it starts.
type conversation struct {
	mu        sync.Mutex
	key       string
	sessionID string
	state     State
	runID     string
	queue     []queuedMessage
	pending   *PendingApproval
	approvals chan []approval.Decision
	cancel    context.CancelFunc
}

func (c *conversation) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conversation) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resetIdle returns the conversation to idle, discarding the queue. The
// swap and the state change share one critical section so a message that
// queued behind a failing attempt cannot survive into an idle
// conversation; the caller reports anything dropped.
func (c *conversation) resetIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	c.queue = nil
	c.state = StateIdle
	return n
}

// idleIfEmpty moves to idle only when nothing is queued. The check and
// the transition are atomic, so a message that queued concurrently gets
// another drain pass instead of waiting behind an idle key.
func (c *conversation) idleIfEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return false
	}
	c.state = StateIdle
	return true
}

// Dispatcher orchestrates router, store, backend client, and approval
// policy. One instance serves all conversations; per-key state keeps
// unrelated conversations from blocking each other.
type Dispatcher struct {
	store   store.Store
	backend Backend
	out     Outbound
	policy  *approval.Policy
	routing router.Config
	opts    Options

	tracker *dedupe.Tracker
	logger  *slog.Logger

	mu        sync.Mutex
	convs     map[string]*conversation
	bySession map[string]*conversation

	wg sync.WaitGroup
}

// New creates a dispatcher.
func New(st store.Store, backend Backend, out Outbound, policy *approval.Policy, routing router.Config, opts Options) *Dispatcher {
	if opts.DeliveryContextTTL == 0 {
		opts.DeliveryContextTTL = 24 * time.Hour
	}
	if opts.DedupeTTL == 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	return &Dispatcher{
		store:     st,
		backend:   backend,
		out:       out,
		policy:    policy,
		routing:   routing,
		opts:      opts,
		tracker:   dedupe.NewTracker(opts.DedupeTTL, 4096),
		logger:    slog.Default().With("component", "dispatch"),
		convs:     make(map[string]*conversation),
		bySession: make(map[string]*conversation),
	}
}

// Close stops the dedupe sweeper and waits for in-flight run consumers.
func (d *Dispatcher) Close() {
	d.tracker.Close()
	d.wg.Wait()
}

// HandleInbound routes one channel message: dedupe, resolve the session,
// then either start a run or queue a follow-up behind the active one.
func (d *Dispatcher) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	if msg.MessageID != "" && d.tracker.Seen(msg.ChannelType, msg.MessageID) {
		d.logger.Debug("dropped duplicate inbound message",
			"channel", msg.ChannelType, "message_id", msg.MessageID)
		return nil
	}

	key := router.Key(d.routing, msg.ChannelType, msg.PeerID, msg.Chat)
	conv := d.conversationFor(key)

	conv.mu.Lock()
	if conv.state != StateIdle {
		conv.queue = append(conv.queue, queuedMessage{sender: msg.Sender, text: msg.Text})
		pos := len(conv.queue)
		conv.mu.Unlock()
		d.logger.Info("queued follow-up behind active run",
			"routing_key", key, "queue_position", pos)
		return nil
	}
	// Claim the key before any I/O so a concurrent message on the same key
	// queues instead of starting a second run.
	conv.state = StateAwaitingBackend
	conv.mu.Unlock()

	mapping, err := d.resolveSession(ctx, key, msg)
	if err != nil {
		d.failInbound(ctx, conv, msg, "Could not reach the agent backend. Please try again.")
		return fmt.Errorf("resolving session for %s: %w", key, err)
	}

	d.mu.Lock()
	d.bySession[mapping.SessionID] = conv
	d.mu.Unlock()

	conv.mu.Lock()
	conv.sessionID = mapping.SessionID
	conv.mu.Unlock()

	// Consume any pending notification context before writing the fresh
	// reply address, so enrichment sees what the user is replying to.
	content := d.enrichContent(ctx, mapping.SessionID, msg.Text)

	if err := d.refreshDeliveryState(ctx, key, mapping.SessionID, msg); err != nil {
		d.logger.Warn("failed to refresh delivery state", "routing_key", key, "error", err)
	}
	return d.startRun(ctx, conv, mapping, content, msg)
}

// conversationFor returns the state object for key, creating it on first use.
func (d *Dispatcher) conversationFor(key string) *conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[key]
	if !ok {
		conv = &conversation{key: key, state: StateIdle}
		d.convs[key] = conv
	}
	return conv
}

// resolveSession maps the routing key to a backend session, creating one if
// needed. A backend session created but not persisted is deleted again so
// the backend does not accumulate orphans.
func (d *Dispatcher) resolveSession(ctx context.Context, key string, msg channel.InboundMessage) (*store.SessionMapping, error) {
	var createdSessionID string

	mapping, _, err := d.store.GetOrCreateSession(ctx, key, func(ctx context.Context) (*store.SessionMapping, error) {
		title := target.RenderTitle(d.opts.TitleTemplate, msg.ChannelType, msg.Sender, msg.Chat)
		sessionID, err := d.backend.CreateSession(ctx, client.SessionRequest{
			Title: title,
			Model: d.opts.Model,
		})
		if err != nil {
			return nil, err
		}
		createdSessionID = sessionID

		tgt, err := target.Marshal(msg.Target)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		return &store.SessionMapping{
			SessionID:    sessionID,
			Title:        title,
			ChannelType:  msg.ChannelType,
			Target:       tgt,
			CreatedAt:    now,
			LastActiveAt: now,
		}, nil
	})
	if err != nil {
		if createdSessionID != "" {
			if delErr := d.backend.DeleteSession(ctx, createdSessionID); delErr != nil {
				d.logger.Error("failed to roll back orphaned backend session",
					"session_id", createdSessionID, "error", delErr)
			}
		}
		return nil, err
	}
	return mapping, nil
}

// refreshDeliveryState records the message's target as the session's reply
// address, both durably on the mapping and as the TTL-bound delivery
// context for out-of-band notifications.
func (d *Dispatcher) refreshDeliveryState(ctx context.Context, key, sessionID string, msg channel.InboundMessage) error {
	tgt, err := target.Marshal(msg.Target)
	if err != nil {
		return err
	}
	if err := d.store.UpdateTarget(ctx, key, msg.ChannelType, tgt); err != nil {
		return err
	}
	return d.store.PutDeliveryContext(ctx, &store.DeliveryContext{
		SessionID:   sessionID,
		ChannelType: msg.ChannelType,
		Target:      tgt,
	}, d.opts.DeliveryContextTTL)
}

// enrichContent prepends pending notification context, consumed one-shot,
// so the agent knows what the user is replying to.
func (d *Dispatcher) enrichContent(ctx context.Context, sessionID, text string) string {
	dc, err := d.store.TakeDeliveryContext(ctx, sessionID)
	if err != nil || len(dc.Context) == 0 {
		return text
	}
	return fmt.Sprintf("The user is replying after a notification with context: %s\n\n%s",
		dc.Context, text)
}

// startRun submits content as a fresh run. A conflict means the backend
// already has an active run we did not know about, so the message queues.
func (d *Dispatcher) startRun(ctx context.Context, conv *conversation, mapping *store.SessionMapping, content string, msg channel.InboundMessage) error {
	req := client.MessageRequest{Content: content, Type: "message", Model: d.opts.Model}
	if msg.RunOptions != nil {
		if msg.RunOptions.Model != "" {
			req.Model = msg.RunOptions.Model
		}
		req.TimeoutSeconds = msg.RunOptions.TimeoutSeconds
	}

	runID, err := d.backend.SendMessage(ctx, mapping.SessionID, req)
	if errors.Is(err, client.ErrConflict) {
		// The backend already has a run we did not start, typically after
		// a gateway restart. Queue the message and attach to the stream;
		// it drains once the unknown run terminates.
		conv.mu.Lock()
		conv.queue = append(conv.queue, queuedMessage{sender: msg.Sender, text: msg.Text})
		conv.mu.Unlock()
		d.logger.Warn("backend already has an active run, attaching to its stream",
			"routing_key", conv.key, "session_id", mapping.SessionID)
	} else if err != nil {
		d.failInbound(ctx, conv, msg, "Could not start the agent run. Please try again.")
		return fmt.Errorf("starting run on %s: %w", mapping.SessionID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conv.mu.Lock()
	conv.runID = runID
	conv.cancel = cancel
	conv.mu.Unlock()

	d.wg.Add(1)
	go d.consume(runCtx, conv, mapping.EventCursor)
	return nil
}

// Cancel tears down the active run and queue for a routing key and returns
// it to idle. Cancellation is best effort.
func (d *Dispatcher) Cancel(ctx context.Context, key string) error {
	d.mu.Lock()
	conv, ok := d.convs[key]
	d.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}

	conv.mu.Lock()
	sessionID := conv.sessionID
	cancel := conv.cancel
	conv.queue = nil
	conv.pending = nil
	conv.state = StateIdle
	conv.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sessionID == "" {
		return nil
	}
	if err := d.backend.CancelRun(ctx, sessionID); err != nil {
		return fmt.Errorf("cancelling run on %s: %w", sessionID, err)
	}
	return nil
}

// Resolve delivers operator decisions to a run suspended on tool approval.
func (d *Dispatcher) Resolve(ctx context.Context, sessionID string, decisions []approval.Decision) error {
	d.mu.Lock()
	conv, ok := d.bySession[sessionID]
	d.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}

	conv.mu.Lock()
	if conv.state != StateToolsPendingApproval || conv.approvals == nil {
		conv.mu.Unlock()
		return ErrNoPendingApproval
	}
	ch := conv.approvals
	conv.mu.Unlock()

	select {
	case ch <- decisions:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingApprovals lists runs suspended on operator approval.
func (d *Dispatcher) PendingApprovals() []PendingApproval {
	d.mu.Lock()
	convs := make([]*conversation, 0, len(d.convs))
	for _, conv := range d.convs {
		convs = append(convs, conv)
	}
	d.mu.Unlock()

	var pending []PendingApproval
	for _, conv := range convs {
		conv.mu.Lock()
		if conv.pending != nil {
			pending = append(pending, *conv.pending)
		}
		conv.mu.Unlock()
	}
	return pending
}

// SessionState reports the run state for a backend session id.
func (d *Dispatcher) SessionState(sessionID string) (State, bool) {
	d.mu.Lock()
	conv, ok := d.bySession[sessionID]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	return conv.currentState(), true
}

// ActiveRuns counts conversations with a run in flight.
func (d *Dispatcher) ActiveRuns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, conv := range d.convs {
		if conv.currentState() != StateIdle {
			n++
		}
	}
	return n
}

// failInbound returns the key to idle and tells the sender what happened,
// covering any messages that queued behind the failed attempt.
func (d *Dispatcher) failInbound(ctx context.Context, conv *conversation, msg channel.InboundMessage, notice string) {
	if dropped := conv.resetIdle(); dropped > 0 {
		notice += fmt.Sprintf(" %d queued message(s) were dropped; please resend them.", dropped)
	}
	d.notify(ctx, msg, notice)
}

// notify sends a short human-readable failure notice back to the sender's
// chat. Errors here are logged only; the original failure matters more.
func (d *Dispatcher) notify(ctx context.Context, msg channel.InboundMessage, text string) {
	tgt, err := target.Marshal(msg.Target)
	if err != nil {
		return
	}
	if err := d.out.Deliver(ctx, msg.ChannelType, tgt, text); err != nil {
		d.logger.Warn("failed to deliver failure notice",
			"channel", msg.ChannelType, "error", err)
	}
}
