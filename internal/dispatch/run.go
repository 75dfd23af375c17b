// ABOUTME: Run event consumption: streaming replies, tool approval, queue drain
// ABOUTME: One goroutine per conversation owns the event stream until idle

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/store"
)

// consume owns the session's event stream from run start until the
// conversation returns to idle with an empty queue. Sequential runs started
// by queue drain reuse the same subscription.
func (d *Dispatcher) consume(ctx context.Context, conv *conversation, fromCursor uint64) {
	defer d.wg.Done()

	stream, err := d.backend.SubscribeEvents(ctx, conv.sessionID, fromCursor)
	if err != nil {
		d.logger.Error("failed to subscribe to run events",
			"routing_key", conv.key, "session_id", conv.sessionID, "error", err)
		notice := "Lost the connection to the agent backend."
		if conv.resetIdle() > 0 {
			notice += " Your queued messages were dropped; please resend them."
		}
		d.deliverToSession(ctx, conv.sessionID, notice)
		return
	}
	defer stream.Close()

	for {
		if err := d.consumeRun(ctx, conv, stream); err != nil {
			dropped := conv.resetIdle()
			if !errors.Is(err, context.Canceled) {
				d.logger.Error("run consumption failed",
					"routing_key", conv.key, "session_id", conv.sessionID, "error", err)
				if dropped > 0 {
					d.deliverToSession(ctx, conv.sessionID, "Could not deliver your queued messages. Please resend them.")
				}
			}
			return
		}

		for {
			started, err := d.drainQueue(ctx, conv)
			if err != nil {
				d.logger.Error("failed to start queued follow-up",
					"routing_key", conv.key, "session_id", conv.sessionID, "error", err)
				conv.resetIdle()
				d.deliverToSession(ctx, conv.sessionID, "Could not deliver your queued messages. Please resend them.")
				return
			}
			if started {
				break
			}
			if conv.idleIfEmpty() {
				return
			}
			// A message queued between the empty drain and the idle
			// check; drain again.
		}
	}
}

// consumeRun reduces events until the current run reaches a terminal event.
func (d *Dispatcher) consumeRun(ctx context.Context, conv *conversation, stream EventSource) error {
	buffer := newReplyBuffer()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		switch ev.Type {
		case "text_delta":
			var delta client.TextDelta
			if err := json.Unmarshal(ev.Data, &delta); err != nil {
				d.logger.Warn("malformed text_delta event", "error", err)
				break
			}
			conv.setState(StateStreamingReply)
			if chunk := buffer.add(delta.Text); chunk != "" {
				d.deliverToSession(ctx, conv.sessionID, chunk)
			}

		case "tool_calls_proposed":
			if chunk := buffer.rest(); chunk != "" {
				d.deliverToSession(ctx, conv.sessionID, chunk)
			}
			if err := d.handleToolCalls(ctx, conv, ev.Data); err != nil {
				return err
			}

		case "run_completed":
			if chunk := buffer.rest(); chunk != "" {
				d.deliverToSession(ctx, conv.sessionID, chunk)
			}
			d.persistCursor(ctx, conv.key, stream.Cursor())
			return nil

		case "run_error":
			var runErr client.RunError
			_ = json.Unmarshal(ev.Data, &runErr)
			if chunk := buffer.rest(); chunk != "" {
				d.deliverToSession(ctx, conv.sessionID, chunk)
			}
			notice := "The agent run failed."
			if runErr.Message != "" {
				notice = "The agent run failed: " + runErr.Message
			}
			d.deliverToSession(ctx, conv.sessionID, notice)
			d.persistCursor(ctx, conv.key, stream.Cursor())
			return nil
		}

		d.persistCursor(ctx, conv.key, stream.Cursor())
	}
}

// handleToolCalls applies the approval policy to a proposed batch. A policy
// that fully resolves the batch answers the backend immediately; manual
// mode suspends the conversation until Resolve is called.
func (d *Dispatcher) handleToolCalls(ctx context.Context, conv *conversation, data json.RawMessage) error {
	var proposed client.ToolCallsProposed
	if err := json.Unmarshal(data, &proposed); err != nil {
		return fmt.Errorf("malformed tool_calls_proposed event: %w", err)
	}

	calls := make([]approval.ToolCall, 0, len(proposed.Calls))
	names := make([]string, 0, len(proposed.Calls))
	for _, c := range proposed.Calls {
		calls = append(calls, approval.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args})
		names = append(names, c.Name)
	}
	d.deliverToSession(ctx, conv.sessionID, "Running: "+strings.Join(names, ", "))

	decisions, resolved := d.policy.Evaluate(calls)
	if resolved {
		if err := d.backend.ResolveTools(ctx, conv.sessionID, proposed.RunID, decisions); err != nil {
			return fmt.Errorf("resolving tool calls: %w", err)
		}
		return nil
	}

	// Manual mode: suspend until an operator decides. Follow-ups arriving
	// meanwhile keep queueing behind the run.
	approvals := make(chan []approval.Decision, 1)
	conv.mu.Lock()
	conv.state = StateToolsPendingApproval
	conv.approvals = approvals
	conv.pending = &PendingApproval{
		SessionID:  conv.sessionID,
		RunID:      proposed.RunID,
		RoutingKey: conv.key,
		Calls:      calls,
		Since:      time.Now().UTC(),
	}
	conv.mu.Unlock()

	d.deliverToSession(ctx, conv.sessionID,
		"The agent wants to run tools that need approval: "+strings.Join(names, ", "))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case decisions = <-approvals:
	}

	conv.mu.Lock()
	conv.state = StateStreamingReply
	conv.approvals = nil
	conv.pending = nil
	conv.mu.Unlock()

	if err := d.backend.ResolveTools(ctx, conv.sessionID, proposed.RunID, decisions); err != nil {
		return fmt.Errorf("resolving tool calls after approval: %w", err)
	}
	return nil
}

// drainQueue submits all queued follow-ups as one batched message. Multiple
// senders are attributed per line. A failed batch is not retried; the
// caller flushes the conversation and reports the loss to the senders.
func (d *Dispatcher) drainQueue(ctx context.Context, conv *conversation) (bool, error) {
	conv.mu.Lock()
	queued := conv.queue
	conv.queue = nil
	conv.mu.Unlock()

	if len(queued) == 0 {
		return false, nil
	}

	content := batchContent(queued)
	runID, err := d.backend.SendMessage(ctx, conv.sessionID, client.MessageRequest{
		Content: content,
		Type:    "follow_up",
		Model:   d.opts.Model,
	})
	if err != nil {
		return false, err
	}

	conv.mu.Lock()
	conv.runID = runID
	conv.state = StateAwaitingBackend
	conv.mu.Unlock()
	d.logger.Info("drained follow-up queue into new run",
		"routing_key", conv.key, "messages", len(queued))
	return true, nil
}

// batchContent joins queued messages, attributing senders only when more
// than one message was waiting.
func batchContent(queued []queuedMessage) string {
	if len(queued) == 1 {
		return queued[0].text
	}
	lines := make([]string, 0, len(queued))
	for _, q := range queued {
		sender := q.sender
		if sender == "" {
			sender = "user"
		}
		lines = append(lines, sender+": "+q.text)
	}
	return strings.Join(lines, "\n")
}

// persistCursor stores the last durably observed stream position so a
// restart resumes without gaps or duplicates.
func (d *Dispatcher) persistCursor(ctx context.Context, key string, cursor uint64) {
	if cursor == 0 {
		return
	}
	if err := d.store.Touch(ctx, key, cursor); err != nil {
		d.logger.Warn("failed to persist event cursor",
			"routing_key", key, "cursor", cursor, "error", err)
	}
}

// deliverToSession sends text to the session's last known reply address.
func (d *Dispatcher) deliverToSession(ctx context.Context, sessionID, text string) {
	if text == "" {
		return
	}
	mapping, err := d.store.FindBySessionID(ctx, sessionID)
	if err != nil {
		d.logger.Error("no reply address for session", "session_id", sessionID, "error", err)
		return
	}
	if err := d.out.Deliver(ctx, mapping.ChannelType, mapping.Target, text); err != nil {
		d.logger.Error("failed to deliver reply",
			"session_id", sessionID, "channel", mapping.ChannelType, "error", err)
	}
}

// NotifyOutOfBand routes an unsolicited message through the one-shot
// delivery context for a session. An expired or consumed context means the
// notification cannot be delivered; the caller reports this, it is never
// silently dropped.
func (d *Dispatcher) NotifyOutOfBand(ctx context.Context, sessionID, text string, contextPayload json.RawMessage) error {
	dc, err := d.store.TakeDeliveryContext(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no usable delivery context for session %s: %w", sessionID, err)
	}
	if err != nil {
		return err
	}

	if err := d.out.Deliver(ctx, dc.ChannelType, dc.Target, text); err != nil {
		return fmt.Errorf("delivering notification to %s: %w", dc.ChannelType, err)
	}

	// Re-arm the context with the notification payload so the user's next
	// reply is enriched with what they are replying to.
	if len(contextPayload) > 0 {
		rearmed := &store.DeliveryContext{
			SessionID:   sessionID,
			ChannelType: dc.ChannelType,
			Target:      dc.Target,
			Context:     contextPayload,
		}
		if err := d.store.PutDeliveryContext(ctx, rearmed, d.opts.DeliveryContextTTL); err != nil {
			d.logger.Warn("failed to store notification context", "session_id", sessionID, "error", err)
		}
	}
	return nil
}
