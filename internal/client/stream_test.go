// ABOUTME: Tests for the SSE event stream
// ABOUTME: Covers frame parsing, cursor replay on reconnect, and the retry budget

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(t *testing.T, fn func(w http.ResponseWriter, after uint64, conn int)) http.Handler {
	t.Helper()
	var conns atomic.Int64
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var after uint64
		fmt.Sscanf(r.URL.Query().Get("after"), "%d", &after)
		w.Header().Set("Content-Type", "text/event-stream")
		fn(w, after, int(conns.Add(1)))
	})
}

func writeEvent(w http.ResponseWriter, id uint64, typ, data string) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, typ, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestStream_DeliversEventsInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, after uint64, conn int) {
		writeEvent(w, 1, "text_delta", `{"run_id":"r1","text":"hel"}`)
		writeEvent(w, 2, "text_delta", `{"run_id":"r1","text":"lo"}`)
		writeEvent(w, 3, "run_completed", `{"run_id":"r1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "t")
	stream, err := c.SubscribeEvents(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, "text_delta", ev.Type)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ev.ID)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run_completed", ev.Type)
	assert.True(t, ev.Terminal())
	assert.Equal(t, uint64(3), stream.Cursor())

	stream.Close()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_StaysOpenAcrossRuns(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, after uint64, conn int) {
		writeEvent(w, 1, "run_completed", `{"run_id":"r1"}`)
		writeEvent(w, 2, "text_delta", `{"run_id":"r2","text":"next"}`)
		writeEvent(w, 3, "run_completed", `{"run_id":"r2"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "t")
	stream, err := c.SubscribeEvents(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ev.Terminal())

	// The first run's terminal event must not end the subscription; the
	// session's next run arrives on the same stream.
	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "text_delta", ev.Type)

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.ID)
	assert.True(t, ev.Terminal())
}

func TestStream_ReconnectResumesFromCursor(t *testing.T) {
	var secondAfter atomic.Uint64
	srv := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, after uint64, conn int) {
		if conn == 1 {
			writeEvent(w, 1, "text_delta", `{"run_id":"r1","text":"a"}`)
			writeEvent(w, 2, "text_delta", `{"run_id":"r1","text":"b"}`)
			return // server drops the connection
		}
		secondAfter.Store(after)
		writeEvent(w, 3, "run_completed", `{"run_id":"r1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", WithRetry(3, 5*time.Millisecond, 20*time.Millisecond))
	stream, err := c.SubscribeEvents(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	var types []string
	for {
		ev, err := stream.Next(ctx)
		require.NoError(t, err)
		types = append(types, ev.Type)
		if ev.Terminal() {
			break
		}
	}

	assert.Equal(t, []string{"text_delta", "text_delta", "run_completed"}, types)
	assert.Equal(t, uint64(2), secondAfter.Load(), "reconnect must resume after last delivered id")
}

func TestStream_DropsReplayedDuplicates(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, after uint64, conn int) {
		if conn == 1 {
			writeEvent(w, 1, "text_delta", `{"run_id":"r1","text":"a"}`)
			return
		}
		// At-least-once backend replays the last event despite the cursor.
		writeEvent(w, 1, "text_delta", `{"run_id":"r1","text":"a"}`)
		writeEvent(w, 2, "run_completed", `{"run_id":"r1"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "t", WithRetry(3, 5*time.Millisecond, 20*time.Millisecond))
	stream, err := c.SubscribeEvents(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	var ids []uint64
	for {
		ev, err := stream.Next(ctx)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
		if ev.Terminal() {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, ids, "each id delivered exactly once")
}

func TestStream_RetryBudgetSynthesizesRunError(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		// Accept then immediately drop every connection.
	}))
	defer srv.Close()

	c := New(srv.URL, "t", WithRetry(2, time.Millisecond, 5*time.Millisecond))
	stream, err := c.SubscribeEvents(context.Background(), "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run_error", ev.Type)
	assert.True(t, ev.Terminal())

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_ContextCancelStopsNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, 1, "text_delta", `{"run_id":"r1","text":"a"}`)
		<-r.Context().Done() // hold the connection until the client goes away
	}))
	defer srv.Close()

	c := New(srv.URL, "t")
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.SubscribeEvents(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
