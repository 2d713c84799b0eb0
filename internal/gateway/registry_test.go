package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

func TestConnectRegistersAndAcks(t *testing.T) {
	r := testRegistry(t)

	c, _ := connectClient(t, r, 1)

	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %v, want active", c.State())
	}

	summaries := r.Summaries()
	if len(summaries) != 1 {
		t.Fatalf("Summaries() has %d entries, want 1", len(summaries))
	}
	s := summaries[0]
	if s.ID != c.ID || s.UserID != 1 || s.Email != "user1@nexait.pl" || s.Role != "dispatcher" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if len(s.Filters) != 0 {
		t.Fatalf("new connection should have no filters, got %v", s.Filters)
	}
}

func TestConnectionIDsAreUnique(t *testing.T) {
	r := testRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c, _ := connectClient(t, r, 1)
		if seen[c.ID] {
			t.Fatalf("duplicate connection id %s", c.ID)
		}
		seen[c.ID] = true
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	r := testRegistry(t)
	c, _ := connectClient(t, r, 1)

	r.Disconnect(c)
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() after disconnect = %d, want 0", got)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}

	// Second disconnect is a no-op, not an error.
	r.Disconnect(c)
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() after double disconnect = %d, want 0", got)
	}

	for _, s := range r.Summaries() {
		if s.ID == c.ID {
			t.Fatalf("closed connection %s still in summaries", c.ID)
		}
	}

	if err := c.Enqueue([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Enqueue after close = %v, want ErrConnectionClosed", err)
	}
}

func TestDisconnectNilIsNoop(t *testing.T) {
	r := testRegistry(t)
	r.Disconnect(nil)
}

func TestSubscriptionReplaceAndClear(t *testing.T) {
	r := testRegistry(t)
	c, _ := connectClient(t, r, 1)

	r.SetSubscription(c, map[string]string{"direction": "IB"})
	if got := c.Filters(); len(got) != 1 || got["direction"] != "IB" {
		t.Fatalf("Filters() = %v", got)
	}

	// Wholesale replace, not merge.
	r.SetSubscription(c, map[string]string{"status": "PLANNED"})
	got := c.Filters()
	if len(got) != 1 || got["status"] != "PLANNED" {
		t.Fatalf("Filters() after replace = %v", got)
	}

	r.ClearSubscription(c)
	if got := c.Filters(); len(got) != 0 {
		t.Fatalf("Filters() after clear = %v", got)
	}
}

func TestSetSubscriptionCopiesInput(t *testing.T) {
	r := testRegistry(t)
	c, _ := connectClient(t, r, 1)

	filters := map[string]string{"direction": "IB"}
	r.SetSubscription(c, filters)
	filters["direction"] = "OB"

	if got := c.Filters(); got["direction"] != "IB" {
		t.Fatalf("stored filters aliased caller's map: %v", got)
	}
}

func TestSnapshotIsPointInTime(t *testing.T) {
	r := testRegistry(t)
	connectClient(t, r, 1)

	snapshot := r.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snapshot))
	}

	connectClient(t, r, 2)
	if len(snapshot) != 1 {
		t.Fatalf("snapshot changed after later connect: %d entries", len(snapshot))
	}
	if got := len(r.Snapshot()); got != 2 {
		t.Fatalf("fresh snapshot has %d entries, want 2", got)
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := testRegistry(t)

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()

			server, client := net.Pipe()
			defer client.Close()

			// Consume the ack so the writer is not stalled on the pipe.
			done := make(chan struct{})
			go func() {
				defer close(done)
				client.SetReadDeadline(time.Now().Add(2 * time.Second))
				readAll(client)
			}()

			c := r.Connect(testIdentity(userID), server)
			ids <- c.ID
			r.Disconnect(c)
			<-done
		}(int64(i))
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate connection id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("Count() after churn = %d, want 0", got)
	}
}

// readAll drains the client side until the pipe closes or times out.
func readAll(client net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := client.Read(buf); err != nil {
			return
		}
	}
}

func TestCloseFrameNeverInterleavesWithWrites(t *testing.T) {
	r := testRegistry(t)
	c, client := connectClient(t, r, 1)

	// Flood the connection while the writer goroutine is streaming, then
	// close it mid-stream. Every frame the client sees must parse, and
	// the stream must end in a clean close frame.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		payload := []byte(`{"type":"assignment_updated","assignment_id":1}`)
		for {
			if err := c.Enqueue(payload); errors.Is(err, ErrConnectionClosed) {
				return
			} else if err != nil {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		r.CloseWithStatus(c, ws.StatusGoingAway, "server shutting down")
	}()

	for {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, _, err := wsutil.ReadServerData(client)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				t.Fatalf("stream ended without a clean close frame: %v", err)
			}
			if closed.Code != ws.StatusGoingAway {
				t.Fatalf("close code = %d, want %d", closed.Code, ws.StatusGoingAway)
			}
			break
		}
		if !json.Valid(data) {
			t.Fatalf("received corrupted frame: %q", data)
		}
	}
	wg.Wait()

	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
}

func TestAckPrecedesConcurrentBroadcasts(t *testing.T) {
	r := testRegistry(t)

	// A broadcaster hammering snapshots must never get an event queued
	// ahead of a new connection's ack.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		payload := []byte(`{"type":"assignment_updated","assignment_id":2}`)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range r.Snapshot() {
				c.Enqueue(payload)
			}
		}
	}()

	for i := int64(0); i < 10; i++ {
		server, client := net.Pipe()
		c := r.Connect(testIdentity(i), server)
		if msg := readServerMessage(t, client); msg["type"] != "connection_ack" {
			t.Fatalf("first message was %v, want connection_ack", msg)
		}
		r.Disconnect(c)
		client.Close()
	}
	close(stop)
	wg.Wait()
}
