package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeChatServer is an in-memory stand-in for the remote message API. It
// assigns server ids, deduplicates by clientId, and can be told to fail the
// next N send requests.
type fakeChatServer struct {
	mu        sync.Mutex
	nextID    int
	messages  []RemoteMessage
	byClient  map[string]RemoteMessage
	failSends int
	sendCalls int
	readCalls int
	sendDelay time.Duration

	srv *httptest.Server
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	t.Helper()
	f := &fakeChatServer{byClient: make(map[string]RemoteMessage)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChatServer) URL() string { return f.srv.URL }

// failNextSends makes the next n send requests return HTTP 500.
func (f *fakeChatServer) failNextSends(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSends = n
}

// seed installs a server-side message directly, as if another device sent it.
// The id counter advances past any numeric srv-N id so handleSend never mints
// a duplicate of a seeded id.
func (f *fakeChatServer) seed(m RemoteMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	if _, err := fmt.Sscanf(m.ID, "srv-%d", &n); err == nil && n > f.nextID {
		f.nextID = n
	}
	f.messages = append(f.messages, m)
}

func (f *fakeChatServer) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeChatServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == "POST" && strings.HasPrefix(r.URL.Path, "/api/chat/messages/"):
		f.handleSend(w, r)
	case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/api/chat/messages/"):
		f.handleHistory(w)
	case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/read"):
		f.handleRead(w)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeChatServer) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	delay := f.sendDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++

	if f.failSends > 0 {
		f.failSends--
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": "internal", "message": "simulated outage"},
		})
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	receiverID := strings.TrimPrefix(r.URL.Path, "/api/chat/messages/")

	// dedupe by client id so a retried send never creates a second record
	msg, ok := f.byClient[req.ClientID]
	if !ok || req.ClientID == "" {
		f.nextID++
		msg = RemoteMessage{
			ID:         fmt.Sprintf("srv-%d", f.nextID),
			ClientID:   req.ClientID,
			SenderID:   "user-alice",
			ReceiverID: receiverID,
			Content:    req.Content,
			ReplyToID:  req.ReplyToID,
			Status:     "sent",
			CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		f.messages = append(f.messages, msg)
		if req.ClientID != "" {
			f.byClient[req.ClientID] = msg
		}
	}

	json.NewEncoder(w).Encode(map[string]any{
		"ok":   true,
		"data": map[string]any{"message": msg},
	})
}

func (f *fakeChatServer) handleHistory(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{
		"ok":   true,
		"data": map[string]any{"messages": f.messages},
	})
}

func (f *fakeChatServer) handleRead(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	for i := range f.messages {
		f.messages[i].Status = "read"
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ok":   true,
		"data": map[string]any{"unreadCount": 0},
	})
}

// waitFor polls cond until it holds or the deadline passes. Background
// delivery and sync land their outcomes asynchronously; tests observe them
// through the store rather than through return values.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestEngine wires a memory store, fake server client and monitor.
func newTestEngine(t *testing.T) (*fakeChatServer, *MemoryStore, *NetworkMonitor, *LifecycleManager) {
	t.Helper()
	server := newFakeChatServer(t)
	store := NewMemoryStore(testUser)
	monitor := NewNetworkMonitor()
	client := NewClient("test-token", WithBaseURL(server.URL()))
	lm := NewLifecycleManager(store, client, monitor, WithSendTimeout(5*time.Second))
	return server, store, monitor, lm
}

// ============================================================================
// Send
// ============================================================================

func TestLifecycleSend(t *testing.T) {
	t.Run("online send confirms and reconciles", func(t *testing.T) {
		_, store, _, lm := newTestEngine(t)

		msg, err := lm.Send(context.Background(), testUser, testPartner, "hello", "")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !msg.Provisional || msg.DeliveryStatus != StatusSending {
			t.Fatalf("expected provisional local echo, got %+v", msg)
		}
		if !strings.HasPrefix(msg.ID, "local-") {
			t.Fatalf("expected provisional id, got %q", msg.ID)
		}

		waitFor(t, "delivery confirmation", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 &&
				strings.HasPrefix(msgs[0].ID, "srv-") &&
				msgs[0].DeliveryStatus == StatusSent &&
				!msgs[0].IsOffline && !msgs[0].Provisional
		})
	})

	t.Run("send returns without waiting on the round trip", func(t *testing.T) {
		server, store, _, lm := newTestEngine(t)
		server.sendDelay = 300 * time.Millisecond

		start := time.Now()
		msg, err := lm.Send(context.Background(), testUser, testPartner, "no hurry", "")
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if elapsed >= server.sendDelay {
			t.Fatalf("Send blocked on the network for %v", elapsed)
		}
		if !msg.Pending() {
			t.Fatalf("echo already resolved: %+v", msg)
		}

		// the slow delivery still completes
		waitFor(t, "delayed confirmation", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusSent
		})
	})

	t.Run("offline send queues locally", func(t *testing.T) {
		server, store, monitor, lm := newTestEngine(t)
		monitor.SetOnline(false)

		msg, err := lm.Send(context.Background(), testUser, testPartner, "queued while offline", "")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !msg.Provisional || msg.DeliveryStatus != StatusSending || !msg.IsOffline {
			t.Fatalf("offline send must stay provisional and queued: %+v", msg)
		}
		if server.sendCount() != 0 {
			t.Fatal("offline send must not hit the network")
		}

		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 || msgs[0].ID != msg.ID {
			t.Fatalf("local echo missing: %+v", msgs)
		}
	})

	t.Run("server failure marks failed without error", func(t *testing.T) {
		server, store, _, lm := newTestEngine(t)
		server.failNextSends(1)

		if _, err := lm.Send(context.Background(), testUser, testPartner, "doomed", ""); err != nil {
			t.Fatalf("remote failure must not surface as error: %v", err)
		}

		waitFor(t, "failure to persist", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusFailed
		})
		// content must survive the failure for later retry
		msgs, _ := store.GetMessages(testPartner)
		if msgs[0].Content != "doomed" {
			t.Fatalf("content lost on failure: %q", msgs[0].Content)
		}
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		_, store, _, lm := newTestEngine(t)

		if _, err := lm.Send(context.Background(), testUser, testPartner, "   ", ""); err == nil {
			t.Fatal("expected error for blank content")
		}
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 0 {
			t.Fatal("rejected send must not store anything")
		}
	})

	t.Run("failure event fires", func(t *testing.T) {
		server, _, _, lm := newTestEngine(t)
		server.failNextSends(1)

		var mu sync.Mutex
		var events []string
		lm.On(EventMessageFailed, func(event string, payload any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		})

		lm.Send(context.Background(), testUser, testPartner, "doomed", "")

		waitFor(t, "failure event", func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) == 1
		})
	})
}

// ============================================================================
// Retry
// ============================================================================

func TestLifecycleRetry(t *testing.T) {
	t.Run("failed message succeeds on retry with same provisional id", func(t *testing.T) {
		server, store, _, lm := newTestEngine(t)
		server.failNextSends(1)

		msg, _ := lm.Send(context.Background(), testUser, testPartner, "try again", "")
		provisionalID := msg.ID
		waitFor(t, "initial failure", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusFailed
		})
		msgs, _ := store.GetMessages(testPartner)
		msg = msgs[0]

		result := lm.Retry(context.Background(), testPartner, msg)
		if result.DeliveryStatus != StatusSent {
			t.Fatalf("retry did not confirm: %+v", result)
		}

		msgs, _ = store.GetMessages(testPartner)
		if len(msgs) != 1 {
			t.Fatalf("retry duplicated the message: %d entries", len(msgs))
		}
		if msgs[0].ID == provisionalID {
			t.Fatal("retry left the provisional id in place")
		}
	})

	t.Run("retry of a confirmed message is a no-op", func(t *testing.T) {
		server, store, _, lm := newTestEngine(t)

		lm.Send(context.Background(), testUser, testPartner, "done", "")
		waitFor(t, "confirmation", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusSent
		})
		msgs, _ := store.GetMessages(testPartner)
		msg := msgs[0]
		calls := server.sendCount()

		result := lm.Retry(context.Background(), testPartner, msg)
		if result.ID != msg.ID {
			t.Fatalf("no-op retry changed the message: %+v", result)
		}
		if server.sendCount() != calls {
			t.Fatal("no-op retry hit the network")
		}
	})

	t.Run("offline retry flips failed back to sending only", func(t *testing.T) {
		server, store, monitor, lm := newTestEngine(t)
		server.failNextSends(1)
		lm.Send(context.Background(), testUser, testPartner, "later", "")
		waitFor(t, "initial failure", func() bool {
			msgs, _ := store.GetMessages(testPartner)
			return len(msgs) == 1 && msgs[0].DeliveryStatus == StatusFailed
		})
		stored, _ := store.GetMessages(testPartner)
		msg := stored[0]

		monitor.SetOnline(false)
		calls := server.sendCount()
		result := lm.Retry(context.Background(), testPartner, msg)

		if result.DeliveryStatus != StatusSending {
			t.Fatalf("expected sending after offline retry, got %s", result.DeliveryStatus)
		}
		if server.sendCount() != calls {
			t.Fatal("offline retry must not hit the network")
		}
		msgs, _ := store.GetMessages(testPartner)
		if msgs[0].ID != msg.ID {
			t.Fatal("offline retry must keep the provisional id")
		}
	})
}

// ============================================================================
// MarkRead
// ============================================================================

func TestLifecycleMarkRead(t *testing.T) {
	t.Run("returns server unread count", func(t *testing.T) {
		_, _, _, lm := newTestEngine(t)
		if n := lm.MarkRead(context.Background(), testPartner); n != 0 {
			t.Fatalf("expected 0 unread, got %d", n)
		}
	})

	t.Run("failure is swallowed", func(t *testing.T) {
		server, store, _, lm := newTestEngine(t)
		server.srv.Close() // server gone

		msg := testOfflineMessage("local-q1", time.Now().UTC())
		if err := store.AddMessage(testPartner, msg); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}

		if n := lm.MarkRead(context.Background(), testPartner); n != 0 {
			t.Fatalf("expected 0 on failure, got %d", n)
		}
		// local state untouched
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 || msgs[0].DeliveryStatus != StatusSending {
			t.Fatalf("mark-read failure disturbed local state: %+v", msgs)
		}
	})
}
