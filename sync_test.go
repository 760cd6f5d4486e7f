package chatsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestCoordinator(t *testing.T) (*fakeChatServer, *MemoryStore, *NetworkMonitor, *LifecycleManager, *SyncCoordinator) {
	t.Helper()
	server, store, monitor, lm := newTestEngine(t)
	sc := NewSyncCoordinator(store, NewClient("test-token", WithBaseURL(server.URL())), monitor, lm,
		WithRetryRate(100, 100))
	return server, store, monitor, lm, sc
}

// ============================================================================
// SyncConversation
// ============================================================================

func TestSyncConversation(t *testing.T) {
	t.Run("pulls server history into the store", func(t *testing.T) {
		server, store, _, _, sc := newTestCoordinator(t)
		server.seed(RemoteMessage{
			ID: "srv-1", SenderID: testPartner, ReceiverID: testUser,
			Content: "hi", Status: "read",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		})

		if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
			t.Fatalf("SyncConversation: %v", err)
		}
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 || msgs[0].ID != "srv-1" {
			t.Fatalf("history not merged: %+v", msgs)
		}
		if msgs[0].DeliveryStatus != StatusRead || msgs[0].IsOffline || msgs[0].Provisional {
			t.Fatalf("remote message normalized wrong: %+v", msgs[0])
		}
	})

	t.Run("sync is idempotent", func(t *testing.T) {
		server, store, _, _, sc := newTestCoordinator(t)
		server.seed(RemoteMessage{
			ID: "srv-1", SenderID: testPartner, ReceiverID: testUser,
			Content: "hi", Status: "sent",
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})

		for i := 0; i < 3; i++ {
			if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
				t.Fatalf("sync %d: %v", i, err)
			}
		}
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 {
			t.Fatalf("repeated sync duplicated messages: %d", len(msgs))
		}
	})

	t.Run("offline sync is a silent no-op", func(t *testing.T) {
		_, store, monitor, _, sc := newTestCoordinator(t)
		monitor.SetOnline(false)

		if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
			t.Fatalf("offline sync must not error: %v", err)
		}
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 0 {
			t.Fatalf("offline sync wrote to the store: %+v", msgs)
		}
	})

	t.Run("merge preserves queued messages then retry flushes them", func(t *testing.T) {
		// compose offline, receive server history, reconnect, sync:
		// the queued message must survive the merge and then confirm
		server, store, monitor, lm, sc := newTestCoordinator(t)
		monitor.SetOnline(false)

		queued, err := lm.Send(context.Background(), testUser, testPartner, "offline hello", "")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		server.seed(RemoteMessage{
			ID: "srv-1", SenderID: testPartner, ReceiverID: testUser,
			Content: "from the other side", Status: "sent",
			CreatedAt: time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano),
		})

		monitor.SetOnline(true)
		if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
			t.Fatalf("SyncConversation: %v", err)
		}

		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages after reconnect sync, got %d: %+v", len(msgs), msgs)
		}
		// the queued message is now confirmed under a server id
		var mine *Message
		for i := range msgs {
			if msgs[i].Content == "offline hello" {
				mine = &msgs[i]
			}
		}
		if mine == nil {
			t.Fatal("queued message vanished")
		}
		if mine.ID == queued.ID || mine.Pending() || mine.IsOffline {
			t.Fatalf("queued message not flushed: %+v", mine)
		}
	})

	t.Run("lost ack is reconciled by merge instead of re-sent", func(t *testing.T) {
		// the server accepted the send but the response never arrived: the
		// history echoes our clientId, so the merge must collapse the queued
		// provisional into the server record without another submit
		server, store, monitor, lm, sc := newTestCoordinator(t)
		monitor.SetOnline(false)

		queued, err := lm.Send(context.Background(), testUser, testPartner, "ghost ack", "")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		server.seed(RemoteMessage{
			ID: "srv-77", ClientID: queued.ID,
			SenderID: testUser, ReceiverID: testPartner,
			Content: "ghost ack", Status: "sent",
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})

		monitor.SetOnline(true)
		if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
			t.Fatalf("SyncConversation: %v", err)
		}

		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 || msgs[0].ID != "srv-77" || msgs[0].Pending() {
			t.Fatalf("provisional not collapsed into server record: %+v", msgs)
		}
		if server.sendCount() != 0 {
			t.Fatalf("already-accepted message was re-sent %d time(s)", server.sendCount())
		}
		pending, _ := store.GetPendingMessages(testUser)
		if len(pending) != 0 {
			t.Fatalf("collapsed message still pending: %+v", pending)
		}
	})

	t.Run("emits start and complete events", func(t *testing.T) {
		_, _, _, _, sc := newTestCoordinator(t)

		var mu sync.Mutex
		var events []string
		record := func(event string, payload any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		}
		sc.On(EventSyncStart, record)
		sc.On(EventSyncComplete, record)

		if err := sc.SyncConversation(context.Background(), testPartner); err != nil {
			t.Fatalf("SyncConversation: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if strings.Join(events, ",") != EventSyncStart+","+EventSyncComplete {
			t.Fatalf("wrong event sequence: %v", events)
		}
	})
}

// ============================================================================
// SyncPending
// ============================================================================

func TestSyncPending(t *testing.T) {
	t.Run("retries until success keeping one identity", func(t *testing.T) {
		server, store, monitor, lm, sc := newTestCoordinator(t)

		monitor.SetOnline(false)
		msg, _ := lm.Send(context.Background(), testUser, testPartner, "persistent", "")
		monitor.SetOnline(true)

		// two outages, then recovery; the message keeps its provisional id
		// across failures and confirms exactly once
		server.failNextSends(2)
		for i := 0; i < 3; i++ {
			if err := sc.SyncPending(context.Background()); err != nil {
				t.Fatalf("sweep %d: %v", i, err)
			}
			sc.clearRetry(msg.ID) // simulate backoff elapsing between sweeps
		}

		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 {
			t.Fatalf("retries duplicated the message: %d entries", len(msgs))
		}
		if msgs[0].DeliveryStatus != StatusSent {
			t.Fatalf("message never confirmed: %+v", msgs[0])
		}

		pending, _ := store.GetPendingMessages(testUser)
		if len(pending) != 0 {
			t.Fatalf("confirmed message still pending: %+v", pending)
		}
	})

	t.Run("sweeps pending messages across conversations", func(t *testing.T) {
		server, store, monitor, lm, sc := newTestCoordinator(t)

		monitor.SetOnline(false)
		lm.Send(context.Background(), testUser, "partner-a", "one", "")
		lm.Send(context.Background(), testUser, "partner-b", "two", "")
		monitor.SetOnline(true)

		if err := sc.SyncPending(context.Background()); err != nil {
			t.Fatalf("SyncPending: %v", err)
		}
		if server.sendCount() != 2 {
			t.Fatalf("expected 2 submits, got %d", server.sendCount())
		}
		pending, _ := store.GetPendingMessages(testUser)
		if len(pending) != 0 {
			t.Fatalf("sweep left pending messages: %+v", pending)
		}
	})

	t.Run("does nothing offline", func(t *testing.T) {
		server, _, monitor, lm, sc := newTestCoordinator(t)
		monitor.SetOnline(false)
		lm.Send(context.Background(), testUser, testPartner, "stuck", "")

		if err := sc.SyncPending(context.Background()); err != nil {
			t.Fatalf("SyncPending: %v", err)
		}
		if server.sendCount() != 0 {
			t.Fatal("offline sweep hit the network")
		}
	})

	t.Run("backoff skips a message retried too soon", func(t *testing.T) {
		server, _, monitor, lm, sc := newTestCoordinator(t)

		monitor.SetOnline(false)
		lm.Send(context.Background(), testUser, testPartner, "hot loop", "")
		monitor.SetOnline(true)

		server.failNextSends(10)
		sc.SyncPending(context.Background())
		calls := server.sendCount()
		// immediate second sweep: the failed message is inside its backoff
		// window and must not be resubmitted
		sc.SyncPending(context.Background())
		if server.sendCount() != calls {
			t.Fatalf("backoff not honored: %d -> %d submits", calls, server.sendCount())
		}
	})

	t.Run("a long failure streak keeps the delay bounded", func(t *testing.T) {
		_, _, _, _, sc := newTestCoordinator(t)

		// well past the point where naive doubling overflows the duration
		for i := 0; i < 80; i++ {
			sc.recordFailure("stuck-msg")
			sc.retryMu.Lock()
			st := sc.retries["stuck-msg"]
			delay := time.Until(st.nextAt)
			sc.retryMu.Unlock()
			if delay <= 0 {
				t.Fatalf("attempt %d: next retry scheduled in the past (%v)", i+1, delay)
			}
			if delay > retryMaxDelay+retryMaxDelay/4 {
				t.Fatalf("attempt %d: delay %v exceeds the cap", i+1, delay)
			}
		}
		sc.retryMu.Lock()
		attempts := sc.retries["stuck-msg"].attempts
		sc.retryMu.Unlock()
		if attempts != 80 {
			t.Fatalf("attempt counter clamped: %d", attempts)
		}
	})
}

// ============================================================================
// Run
// ============================================================================

func TestSyncRun(t *testing.T) {
	t.Run("reconnect triggers an immediate sweep", func(t *testing.T) {
		server, store, monitor, lm, sc := newTestCoordinator(t)

		monitor.SetOnline(false)
		lm.Send(context.Background(), testUser, testPartner, "waiting for signal", "")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sc.Run(ctx)

		// no ticker fires in this window; only the online flip can flush
		time.Sleep(50 * time.Millisecond)
		monitor.SetOnline(true)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := store.GetPendingMessages(testUser)
			if len(pending) == 0 {
				if server.sendCount() != 1 {
					t.Fatalf("expected 1 submit, got %d", server.sendCount())
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("reconnect did not flush the queue")
	})

	t.Run("reconnect merges before retrying", func(t *testing.T) {
		// a queued message the server already holds must be reconciled by the
		// pull, not pushed again, when the background cycle wakes up
		server, store, monitor, lm, sc := newTestCoordinator(t)

		monitor.SetOnline(false)
		queued, _ := lm.Send(context.Background(), testUser, testPartner, "ghost ack", "")
		server.seed(RemoteMessage{
			ID: "srv-42", ClientID: queued.ID,
			SenderID: testUser, ReceiverID: testPartner,
			Content: "ghost ack", Status: "sent",
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sc.Run(ctx)

		time.Sleep(50 * time.Millisecond)
		monitor.SetOnline(true)

		waitFor(t, "queue reconciliation", func() bool {
			pending, _ := store.GetPendingMessages(testUser)
			return len(pending) == 0
		})
		if server.sendCount() != 0 {
			t.Fatalf("already-accepted message re-sent %d time(s)", server.sendCount())
		}
		msgs, _ := store.GetMessages(testPartner)
		if len(msgs) != 1 || msgs[0].ID != "srv-42" {
			t.Fatalf("server record not adopted: %+v", msgs)
		}
	})
}
