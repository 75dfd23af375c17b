// ABOUTME: Operator HTTP API for the relay gateway
// ABOUTME: Status, session listing, out-of-band send, and approval resolution

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/approval"
	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/router"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/target"
)

// SendRequest is the JSON request body for POST /send.
type SendRequest struct {
	Channel string          `json:"channel"`
	Target  json.RawMessage `json:"target"`
	Text    string          `json:"text"`

	// SessionID addresses the message to a session's stored one-shot
	// delivery context instead of an explicit channel target. Callers
	// that do not know where a conversation lives use this form.
	SessionID string `json:"session_id,omitempty"`

	// Context is an optional payload stored as the delivery context for
	// the target's session; the next inbound message from that
	// conversation is enriched with it.
	Context json.RawMessage `json:"context,omitempty"`

	// Interactive, when present, starts an agent run in the target's
	// conversation after delivering the text.
	Interactive *InteractiveOptions `json:"interactive,omitempty"`
}

// notifyBySession reports whether the request addresses a session's stored
// delivery context rather than an explicit channel target.
func (r *SendRequest) notifyBySession() bool {
	return r.SessionID != "" && len(r.Target) == 0
}

// InteractiveOptions describe the agent run a caller wants started.
type InteractiveOptions struct {
	Prompt        string              `json:"prompt"`
	CallerContext []CallerContextItem `json:"caller_context,omitempty"`
	Model         string              `json:"model,omitempty"`
	Timeout       int                 `json:"timeout,omitempty"`
	Title         string              `json:"title,omitempty"`
}

// CallerContextItem is one labeled line of caller-supplied context.
type CallerContextItem struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
}

// SendResponse is the JSON response for POST /send.
type SendResponse struct {
	Delivered bool   `json:"delivered"`
	SessionID string `json:"session_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ChannelStatus describes one connected adapter for GET /channels.
type ChannelStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	Channels       int    `json:"channels"`
	ActiveSessions int    `json:"active_sessions"`
	ActiveRuns     int    `json:"active_runs"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// SessionItem is one row of GET /sessions.
type SessionItem struct {
	RoutingKey   string `json:"routing_key"`
	SessionID    string `json:"session_id"`
	Channel      string `json:"channel"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
	EventCursor  uint64 `json:"event_cursor"`
}

// SessionStatusResponse is the JSON response for GET /sessions/{id}.
type SessionStatusResponse struct {
	SessionID    string `json:"session_id"`
	Active       bool   `json:"active"`
	State        string `json:"state"`
	Title        string `json:"title"`
	LastActiveAt string `json:"last_active_at"`
}

// ApprovalRequest is the JSON request body for POST /approvals.
type ApprovalRequest struct {
	SessionID string              `json:"session_id"`
	Decisions []approval.Decision `json:"decisions"`
}

// routes builds the HTTP handler with auth applied to everything except
// /health and /status.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /status", g.handleStatus)

	mux.Handle("GET /channels", g.requireAuth(http.HandlerFunc(g.handleChannels)))
	mux.Handle("GET /sessions", g.requireAuth(http.HandlerFunc(g.handleSessions)))
	mux.Handle("GET /sessions/{id}", g.requireAuth(http.HandlerFunc(g.handleSessionStatus)))
	mux.Handle("POST /send", g.requireAuth(http.HandlerFunc(g.handleSend)))
	mux.Handle("GET /approvals", g.requireAuth(http.HandlerFunc(g.handleListApprovals)))
	mux.Handle("POST /approvals", g.requireAuth(http.HandlerFunc(g.handleResolveApprovals)))

	if g.config.HTTP.AuthToken == "" {
		g.logger.Warn("HTTP auth disabled - no auth_token configured")
	}
	return mux
}

// requireAuth enforces the static bearer token when one is configured.
func (g *Gateway) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.config.HTTP.AuthToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != g.config.HTTP.AuthToken {
				g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus reports counts without requiring auth.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.store.ListSessions(r.Context(), 10_000)
	if err != nil {
		g.logger.Error("listing sessions for status", "error", err)
	}

	backendStatus := "ok"
	if err := g.backend.Healthy(r.Context()); err != nil {
		backendStatus = "unreachable"
	}

	g.sendJSON(w, http.StatusOK, StatusResponse{
		Status:         "ok",
		Backend:        backendStatus,
		Channels:       len(g.channels),
		ActiveSessions: len(sessions),
		ActiveRuns:     g.dispatcher.ActiveRuns(),
		UptimeSeconds:  int64(time.Since(g.startedAt).Seconds()),
	})
}

// handleChannels lists the connected adapters.
func (g *Gateway) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := make([]ChannelStatus, 0, len(g.channels))
	for _, a := range g.channels {
		channels = append(channels, ChannelStatus{
			ID:     a.Type(),
			Name:   a.DisplayName(),
			Status: "connected",
		})
	}
	g.sendJSON(w, http.StatusOK, map[string][]ChannelStatus{"channels": channels})
}

// handleSessions lists session mappings, most recently active first.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	mappings, err := g.store.ListSessions(r.Context(), 1000)
	if err != nil {
		g.logger.Error("listing sessions", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to list sessions")
		return
	}

	sessions := make([]SessionItem, 0, len(mappings))
	for _, m := range mappings {
		sessions = append(sessions, SessionItem{
			RoutingKey:   m.RoutingKey,
			SessionID:    m.SessionID,
			Channel:      m.ChannelType,
			Title:        m.Title,
			CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
			LastActiveAt: m.LastActiveAt.UTC().Format(time.RFC3339),
			EventCursor:  m.EventCursor,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string][]SessionItem{"sessions": sessions})
}

// handleSessionStatus reports whether a session has an active run.
func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	mapping, err := g.store.FindBySessionID(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("session %q was not found", sessionID))
		return
	}
	if err != nil {
		g.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "session lookup failed")
		return
	}

	state, ok := g.dispatcher.SessionState(sessionID)
	if !ok {
		state = dispatch.StateIdle
	}

	g.sendJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID:    sessionID,
		Active:       state != dispatch.StateIdle,
		State:        string(state),
		Title:        mapping.Title,
		LastActiveAt: mapping.LastActiveAt.UTC().Format(time.RFC3339),
	})
}

// handleListApprovals lists runs suspended on operator tool decisions.
func (g *Gateway) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := g.dispatcher.PendingApprovals()
	if pending == nil {
		pending = []dispatch.PendingApproval{}
	}
	g.sendJSON(w, http.StatusOK, map[string][]dispatch.PendingApproval{"pending": pending})
}

// handleResolveApprovals applies operator decisions to a suspended run.
func (g *Gateway) handleResolveApprovals(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if len(req.Decisions) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "decisions must not be empty")
		return
	}
	for _, d := range req.Decisions {
		if d.Verdict != approval.Approve && d.Verdict != approval.Reject {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q for tool call %q", d.Verdict, d.ToolCallID))
			return
		}
	}

	err := g.dispatcher.Resolve(r.Context(), req.SessionID, req.Decisions)
	if errors.Is(err, dispatch.ErrNoPendingApproval) {
		g.sendJSONError(w, http.StatusNotFound, "no pending approval for session")
		return
	}
	if err != nil {
		g.logger.Error("resolving approvals failed", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to resolve approvals")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// parseSendRequest parses and validates a SendRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Channel == "" && req.SessionID == "" {
		return nil, errors.New("channel is required")
	}
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	if req.notifyBySession() && req.Interactive != nil {
		return nil, errors.New("interactive requires an explicit channel target")
	}
	if req.Interactive != nil {
		if strings.TrimSpace(req.Interactive.Prompt) == "" {
			return nil, errors.New("interactive.prompt must not be empty")
		}
		if req.Interactive.Timeout < 0 {
			return nil, errors.New("interactive.timeout must be greater than 0")
		}
	}
	return &req, nil
}

// handleSend delivers an out-of-band message, either to an explicit
// channel target or through a session's stored delivery context, optionally
// storing a new delivery context and starting an interactive run.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.notifyBySession() {
		g.handleNotify(w, r, req)
		return
	}

	desc, err := target.Parse(req.Channel, req.Target)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, ok := g.channels[req.Channel]
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("channel %q is not connected", req.Channel))
		return
	}

	receipt, err := a.SendWithReceipt(r.Context(), channel.OutboundReply{
		ChannelType: req.Channel,
		Target:      desc,
		Text:        req.Text,
	})
	if err != nil {
		g.logger.Warn("failed channel delivery", "channel", req.Channel, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to deliver message to channel")
		return
	}

	// Thread-capable platforms may have opened a thread for this message;
	// later sends and the session mapping should stay in it.
	if desc.ThreadID() == "" && receipt.ThreadID != "" {
		desc = desc.WithThread(receipt.ThreadID)
	}

	resp := SendResponse{Delivered: true, ThreadID: desc.ThreadID()}

	if req.Interactive != nil {
		sessionID, err := g.startInteractiveRun(r.Context(), req, desc)
		if err != nil {
			g.logger.Error("interactive run start failed", "channel", req.Channel, "error", err)
			g.sendJSONError(w, http.StatusBadGateway, "failed to start interactive agent run")
			return
		}
		resp.SessionID = sessionID
	}

	if len(req.Context) > 0 {
		g.persistDeliveryContext(r.Context(), req.Channel, desc, req.Context)
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// handleNotify delivers through the session's one-shot delivery context.
// A consumed or expired context means the notification is undeliverable;
// that is reported to the caller, never silently dropped. A request
// context payload re-arms the delivery context for the user's next reply.
func (g *Gateway) handleNotify(w http.ResponseWriter, r *http.Request, req *SendRequest) {
	err := g.dispatcher.NotifyOutOfBand(r.Context(), req.SessionID, req.Text, req.Context)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound,
			fmt.Sprintf("no usable delivery context for session %q", req.SessionID))
		return
	}
	if err != nil {
		g.logger.Warn("out-of-band notification failed", "session_id", req.SessionID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "failed to deliver notification")
		return
	}

	g.sendJSON(w, http.StatusOK, SendResponse{Delivered: true, SessionID: req.SessionID})
}

// startInteractiveRun composes a synthetic inbound message and routes it
// through the dispatcher, so session creation, rollback, and queueing all
// behave exactly as for chat traffic.
func (g *Gateway) startInteractiveRun(ctx context.Context, req *SendRequest, desc target.Descriptor) (string, error) {
	var runOpts *channel.RunOptions
	if req.Interactive.Model != "" || req.Interactive.Timeout > 0 {
		runOpts = &channel.RunOptions{
			Model:          req.Interactive.Model,
			TimeoutSeconds: req.Interactive.Timeout,
		}
	}

	msg := channel.InboundMessage{
		ChannelType: req.Channel,
		PeerID:      desc.PeerID(),
		Chat:        desc.Chat(),
		Target:      desc,
		Sender:      "api",
		MessageID:   uuid.NewString(),
		Text:        buildInteractivePrompt(req.Interactive, req.Context),
		Timestamp:   time.Now(),
		RunOptions:  runOpts,
	}
	if err := g.dispatcher.HandleInbound(ctx, msg); err != nil {
		return "", err
	}

	key := router.Key(g.routing, req.Channel, desc.PeerID(), desc.Chat())
	mapping, err := g.store.GetSession(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolving started session: %w", err)
	}
	return mapping.SessionID, nil
}

// buildInteractivePrompt appends caller context lines to the prompt so the
// agent sees runtime hints and check output alongside the request.
func buildInteractivePrompt(opts *InteractiveOptions, callerContext json.RawMessage) string {
	var lines []string
	for _, item := range opts.CallerContext {
		priority := item.Priority
		if priority == "" {
			priority = "normal"
		}
		lines = append(lines, fmt.Sprintf("- %s [%s]: %s", item.Name, priority, item.Content))
	}
	if opts.Model != "" {
		lines = append(lines, fmt.Sprintf("- runtime_model [high]: %s", opts.Model))
	}
	if opts.Timeout > 0 {
		lines = append(lines, fmt.Sprintf("- runtime_timeout_seconds [high]: %d", opts.Timeout))
	}
	if out := extractCheckOutput(callerContext); out != "" {
		lines = append(lines, fmt.Sprintf("- check_output [high]: %s", out))
	}

	if len(lines) == 0 {
		return opts.Prompt
	}
	return opts.Prompt + "\n\n--- Caller Context ---\n" + strings.Join(lines, "\n") + "\n---"
}

// extractCheckOutput pulls the check_output field from a caller context
// payload, if present.
func extractCheckOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload struct {
		CheckOutput string `json:"check_output"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.CheckOutput)
}

// persistDeliveryContext stores the caller context against the target's
// session so the next inbound message from that conversation carries it.
// Best effort: the message was already delivered, so failures only log.
func (g *Gateway) persistDeliveryContext(ctx context.Context, channelType string, desc target.Descriptor, payload json.RawMessage) {
	key := router.Key(g.routing, channelType, desc.PeerID(), desc.Chat())

	mapping, err := g.store.GetSession(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("no session for delivery context target", "channel", channelType, "routing_key", key)
		return
	}
	if err != nil {
		g.logger.Error("delivery context session lookup failed", "routing_key", key, "error", err)
		return
	}

	raw, err := target.Marshal(desc)
	if err != nil {
		g.logger.Error("serializing delivery context target", "routing_key", key, "error", err)
		return
	}

	dc := &store.DeliveryContext{
		SessionID:   mapping.SessionID,
		ChannelType: channelType,
		Target:      raw,
		Context:     payload,
	}
	if err := g.store.PutDeliveryContext(ctx, dc, g.config.Gateway.DeliveryContextTTL); err != nil {
		g.logger.Error("persisting delivery context failed", "session_id", mapping.SessionID, "error", err)
	}
}
