// ABOUTME: SSE event stream from the backend with reconnect and cursor replay
// ABOUTME: Resubscribes from the last delivered event id so no event is lost or repeated

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrStreamClosed is returned by Next after Close, or once the retry
// budget has been spent.
var ErrStreamClosed = errors.New("event stream closed")

// Event is one server-sent event from a session's run stream. ID is the
// backend's monotonic per-session cursor.
type Event struct {
	ID   uint64
	Type string
	Data json.RawMessage
}

// Terminal reports whether the event ends its run.
func (e *Event) Terminal() bool {
	return e.Type == "run_completed" || e.Type == "run_error"
}

// Typed event payloads.
type (
	// TextDelta carries a chunk of assistant reply text.
	TextDelta struct {
		RunID string `json:"run_id"`
		Text  string `json:"text"`
	}

	// ToolCallsProposed announces tool calls awaiting approval.
	ToolCallsProposed struct {
		RunID string         `json:"run_id"`
		Calls []ProposedCall `json:"tool_calls"`
	}

	// ProposedCall is one tool call in a proposal batch.
	ProposedCall struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Args string `json:"args,omitempty"`
	}

	// RunCompleted signals normal run termination.
	RunCompleted struct {
		RunID string `json:"run_id"`
	}

	// RunError signals abnormal run termination.
	RunError struct {
		RunID   string `json:"run_id"`
		Message string `json:"message"`
	}
)

// EventStream reads a session's events. It transparently reconnects on
// transport failure, resuming from the last delivered event id. The
// stream outlives individual runs: a terminal event ends its run but
// leaves the subscription open for the session's next run, so a consumer
// driving sequential runs never resubscribes. When the retry budget is
// spent it synthesizes a run_error so the consumer's state machine always
// observes a terminal event.
type EventStream struct {
	client    *Client
	sessionID string
	cursor    uint64

	resp    *http.Response
	scanner *bufio.Scanner
	closed  bool
}

// SubscribeEvents opens the event stream for a session, replaying events
// with id greater than after.
func (c *Client) SubscribeEvents(ctx context.Context, sessionID string, after uint64) (*EventStream, error) {
	s := &EventStream{client: c, sessionID: sessionID, cursor: after}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Cursor returns the id of the last delivered event.
func (s *EventStream) Cursor() uint64 {
	return s.cursor
}

// Next blocks until the next event arrives. After Close it returns
// ErrStreamClosed.
func (s *EventStream) Next(ctx context.Context) (*Event, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}

	retries := 0
	for {
		ev, err := s.readEvent()
		if err == nil {
			retries = 0
			// Replayed duplicates from an at-least-once backend are dropped
			// here so consumers see each id exactly once.
			if ev.ID != 0 && ev.ID <= s.cursor {
				continue
			}
			if ev.ID != 0 {
				s.cursor = ev.ID
			}
			return ev, nil
		}
		if ctx.Err() != nil {
			s.shutdown()
			return nil, ctx.Err()
		}

		s.disconnect()
		retries++
		if retries > s.client.maxRetries {
			s.closed = true
			s.client.logger.Error("event stream retry budget exhausted",
				"session_id", s.sessionID, "retries", retries-1, "error", err)
			data, _ := json.Marshal(RunError{
				Message: fmt.Sprintf("lost connection to backend after %d attempts: %v", retries-1, err),
			})
			return &Event{Type: "run_error", Data: data}, nil
		}

		delay := s.client.retryBase << (retries - 1)
		if delay > s.client.retryMax {
			delay = s.client.retryMax
		}
		s.client.logger.Warn("event stream disconnected, reconnecting",
			"session_id", s.sessionID, "attempt", retries, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		if cerr := s.connect(ctx); cerr != nil {
			continue
		}
	}
}

// Close releases the stream's connection. Safe to call more than once.
func (s *EventStream) Close() {
	s.shutdown()
}

func (s *EventStream) connect(ctx context.Context) error {
	path := "/v1/sessions/" + url.PathEscape(s.sessionID) + "/events"
	endpoint := s.client.baseURL + path + "?after=" + strconv.FormatUint(s.cursor, 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.client.token)
	}

	// Long-lived stream; the unary client timeout must not apply.
	hc := &http.Client{Transport: s.client.httpClient.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("subscribing to events: backend returned %d", resp.StatusCode)
	}

	s.resp = resp
	s.scanner = bufio.NewScanner(resp.Body)
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return nil
}

// readEvent parses one SSE event frame: optional id and event lines followed
// by data lines, terminated by a blank line.
func (s *EventStream) readEvent() (*Event, error) {
	if s.scanner == nil {
		return nil, io.EOF
	}

	ev := &Event{}
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if ev.Type == "" && len(data) == 0 {
				continue // keep-alive frame
			}
			ev.Data = json.RawMessage(strings.Join(data, "\n"))
			return ev, nil
		case strings.HasPrefix(line, "id:"):
			id, err := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 64)
			if err == nil {
				ev.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *EventStream) disconnect() {
	if s.resp != nil {
		s.resp.Body.Close()
		s.resp = nil
	}
	s.scanner = nil
}

func (s *EventStream) shutdown() {
	s.disconnect()
	s.closed = true
}
