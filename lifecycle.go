package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// LifecycleManager
// ============================================================================

// LifecycleManager owns the per-message state machine and is the only
// component allowed to call the remote send API.
//
// States: composing -> sending -> sent -> delivered -> read, with
// sending -> failed on error and failed -> sending on retry. composing is
// transient and never persisted; a message first touches the store already
// in the sending state.
type LifecycleManager struct {
	emitter
	store   ConversationStore
	client  *Client
	monitor *NetworkMonitor

	log         zerolog.Logger
	metrics     *Metrics
	sendTimeout time.Duration
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithLogger sets the manager's logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) LifecycleOption {
	return func(m *LifecycleManager) { m.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(metrics *Metrics) LifecycleOption {
	return func(m *LifecycleManager) { m.metrics = metrics }
}

// WithSendTimeout bounds each remote submit attempt. A send that does not
// resolve within the bound counts as a failure, never as pending forever.
func WithSendTimeout(d time.Duration) LifecycleOption {
	return func(m *LifecycleManager) { m.sendTimeout = d }
}

// NewLifecycleManager wires the manager to its store, API client and network
// signal.
func NewLifecycleManager(store ConversationStore, client *Client, monitor *NetworkMonitor, opts ...LifecycleOption) *LifecycleManager {
	m := &LifecycleManager{
		store:       store,
		client:      client,
		monitor:     monitor,
		log:         zerolog.Nop(),
		sendTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send creates an outbound message, writes it to the store and returns it
// immediately in the sending state.
//
// The local write always precedes any network attempt, so the caller's view
// shows the message instantly regardless of connectivity. When online,
// delivery runs in the background: the outcome lands in the store and is
// announced through EventMessageConfirmed or EventMessageFailed. While
// offline the remote attempt is skipped entirely and the message stays
// sending/offline until a retry sweep runs.
//
// Only a failed local write is returned as an error, since then the message
// is not durable anywhere.
func (m *LifecycleManager) Send(ctx context.Context, senderID, receiverID, content, replyToID string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, fmt.Errorf("empty message content")
	}
	if receiverID == "" {
		return Message{}, fmt.Errorf("missing receiver")
	}

	msg := NewOutgoingMessage(senderID, receiverID, content, replyToID)
	if err := m.store.AddMessage(receiverID, msg); err != nil {
		// a failed local write must not masquerade as a queued send
		return Message{}, fmt.Errorf("persist outgoing message: %w", err)
	}
	m.emit(EventMessageLocal, msg)
	if m.metrics != nil {
		m.metrics.MessagesComposed.Inc()
	}

	if m.monitor.Online() {
		// detached from the caller's context so an in-flight send survives
		// whatever screen or request issued it
		go m.deliver(context.Background(), receiverID, msg)
	}
	return msg, nil
}

// Retry re-attempts delivery of a message that is still pending, reusing its
// provisional id so the server can deduplicate and the store entry only
// advances, never forks.
func (m *LifecycleManager) Retry(ctx context.Context, partnerID string, msg Message) Message {
	if !msg.Pending() {
		return msg
	}
	if err := m.store.UpdateMessageStatus(partnerID, msg.ID, StatusSending); err != nil {
		m.log.Error().Err(err).Str("msg", msg.ID).Msg("mark retrying failed")
		return msg
	}
	msg.DeliveryStatus = StatusSending
	if !m.monitor.Online() {
		return msg
	}
	return m.deliver(ctx, partnerID, msg)
}

// deliver performs one remote submit attempt and reconciles the result into
// the store. It always writes the outcome back before returning, so the
// store stays the durable source of truth even if the caller has moved on.
func (m *LifecycleManager) deliver(ctx context.Context, partnerID string, msg Message) Message {
	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	remote, err := m.client.SendMessage(sendCtx, &SendMessageRequest{
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		ReplyToID:  msg.ReplyToID,
		ClientID:   msg.ID,
	})
	if err != nil {
		// network error, non-2xx, timeout and malformed responses all land
		// here: mark failed, keep the provisional id for the next retry
		m.log.Warn().Err(err).Str("msg", msg.ID).Str("partner", partnerID).Msg("send failed")
		if serr := m.store.UpdateMessageStatus(partnerID, msg.ID, StatusFailed); serr != nil {
			m.log.Error().Err(serr).Str("msg", msg.ID).Msg("mark failed failed")
		}
		msg.DeliveryStatus = StatusFailed
		m.emit(EventMessageFailed, msg)
		if m.metrics != nil {
			m.metrics.SendsTotal.WithLabelValues("failed").Inc()
			m.metrics.SendDuration.Observe(time.Since(start).Seconds())
		}
		return msg
	}

	confirmed := msg
	confirmed.ID = remote.ID
	confirmed.ClientID = msg.ID
	confirmed.Provisional = false
	confirmed.DeliveryStatus = StatusSent
	confirmed.IsOffline = false
	// createdAt stays client-assigned; display order is stable even if the
	// server stamped its own time

	if err := m.store.ReplaceMessage(partnerID, msg.ID, confirmed); err != nil {
		m.log.Error().Err(err).Str("msg", msg.ID).Msg("reconcile failed")
		return msg
	}
	m.emit(EventMessageConfirmed, confirmed)
	if m.metrics != nil {
		m.metrics.SendsTotal.WithLabelValues("sent").Inc()
		m.metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	return confirmed
}

// MarkRead tells the server the partner's messages have been read and returns
// the resulting unread count. Best effort: a remote failure is logged and
// reported as a zero count without disturbing any local state.
func (m *LifecycleManager) MarkRead(ctx context.Context, partnerID string) int {
	readCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	unread, err := m.client.MarkMessagesAsRead(readCtx, partnerID)
	if err != nil {
		m.log.Warn().Err(err).Str("partner", partnerID).Msg("mark read failed")
		return 0
	}
	return unread
}
