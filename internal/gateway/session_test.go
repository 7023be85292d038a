package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// connPair opens a real server/client WebSocket pair so session writes hit
// actual socket buffers.
func connPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server side of the pair never arrived")
	}
	return server, client
}

// A client that never reads eventually wedges the writer on the socket.
// Concurrent sends must then fail the session through the writer goroutine,
// never by writing from their own goroutines (gorilla panics on concurrent
// writers).
func TestSession_StuckBufferFailsWithoutConcurrentWrite(t *testing.T) {
	server, _ := connPair(t)
	sess := newSession(server, zap.NewNop())
	go sess.writeLoop()
	t.Cleanup(sess.close)

	big := outMessage{Type: TypeBotStatus, Event: "task_started",
		Data: strings.Repeat("x", 1<<20)}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.send(big)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("sends did not return; send path is blocking indefinitely")
	}

	// The overflow handed the terminal frame to the writer instead of
	// writing it inline.
	assert.Equal(t, 1, len(sess.failure), "exactly one failure frame queued for the writer")
}

func TestSession_SnapshotsCoalesceStatusFramesPreserved(t *testing.T) {
	server, client := connPair(t)
	sess := newSession(server, zap.NewNop())
	t.Cleanup(sess.close)

	// Queue everything before the writer starts: five snapshots collapse
	// into the newest one, status frames keep FIFO order.
	for i := 1; i <= 5; i++ {
		sess.sendSnapshot(outMessage{
			Type: TypeBotSnapshot,
			Data: map[string]any{"seq": i},
		})
	}
	statuses := []string{"task_started", "place_extracted", "task_completed"}
	for _, ev := range statuses {
		sess.send(outMessage{Type: TypeBotStatus, Event: ev})
	}

	go sess.writeLoop()

	var gotStatuses []string
	snapshots := 0
	var lastSnapshot map[string]any
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(gotStatuses) < len(statuses) || snapshots < 1 {
		var frame map[string]any
		require.NoError(t, client.ReadJSON(&frame))
		switch frame["type"] {
		case TypeBotSnapshot:
			snapshots++
			lastSnapshot = frame["data"].(map[string]any)
		case TypeBotStatus:
			gotStatuses = append(gotStatuses, frame["event"].(string))
		}
	}

	assert.Equal(t, statuses, gotStatuses, "every status frame exactly once, in order")
	assert.Equal(t, 1, snapshots, "queued snapshots collapse to the newest")
	assert.Equal(t, float64(5), lastSnapshot["seq"])

	// Nothing else is in flight.
	_ = client.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var extra map[string]any
	assert.Error(t, client.ReadJSON(&extra), "no duplicate frames after the batch")
}
