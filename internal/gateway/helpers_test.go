package gateway

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/auth"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryOptions{
		SendBufferSize: 16,
		WriteWait:      time.Second,
	}, zerolog.Nop())
}

func testIdentity(userID int64) auth.Identity {
	return auth.Identity{
		UserID: userID,
		Email:  "user" + strconv.FormatInt(userID, 10) + "@nexait.pl",
		Role:   "dispatcher",
	}
}

// connectClient registers a connection over an in-memory pipe and
// consumes the connection_ack. Returns the registry-side connection and
// the client end of the pipe.
func connectClient(t *testing.T, r *Registry, userID int64) (*Connection, net.Conn) {
	t.Helper()

	server, client := net.Pipe()
	c := r.Connect(testIdentity(userID), server)
	t.Cleanup(func() {
		r.Disconnect(c)
		client.Close()
	})

	msg := readServerMessage(t, client)
	if msg["type"] != "connection_ack" {
		t.Fatalf("expected connection_ack, got %v", msg)
	}
	return c, client
}

// readServerMessage reads one server frame from the client end of the
// pipe and decodes it as JSON.
func readServerMessage(t *testing.T, client net.Conn) map[string]any {
	t.Helper()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("reading server message: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decoding server message %q: %v", data, err)
	}
	return msg
}

// expectNoServerMessage asserts that nothing arrives within the window.
func expectNoServerMessage(t *testing.T, client net.Conn, window time.Duration) {
	t.Helper()

	client.SetReadDeadline(time.Now().Add(window))
	data, _, err := wsutil.ReadServerData(client)
	if err == nil {
		t.Fatalf("expected no message, got %q", data)
	}
	if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func sendClientText(t *testing.T, client net.Conn, payload string) {
	t.Helper()

	client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := wsutil.WriteClientText(client, []byte(payload)); err != nil {
		t.Fatalf("writing client message: %v", err)
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
