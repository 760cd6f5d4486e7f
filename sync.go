package chatsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// SyncCoordinator
// ============================================================================

// SyncCoordinator converges the local store with the server: it pulls remote
// history into the store via the merge-on-save guard, then sweeps messages
// still stuck in sending or failed back through the lifecycle manager.
//
// Merge always happens before retry within a cycle. A retry of a message the
// server already accepted would otherwise race its own confirmation; merging
// first reconciles any lost acks so the sweep only touches genuinely
// undelivered messages.
type SyncCoordinator struct {
	emitter
	store     ConversationStore
	client    *Client
	monitor   *NetworkMonitor
	lifecycle *LifecycleManager

	log      zerolog.Logger
	metrics  *Metrics
	interval time.Duration
	limiter  *rate.Limiter

	mu      sync.Mutex
	syncing map[string]bool // partner -> cycle in flight

	retryMu sync.Mutex
	retries map[string]*retryState // message id -> backoff position
}

// retryState tracks per-message exponential backoff across sweeps.
type retryState struct {
	attempts int
	nextAt   time.Time
}

const (
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = time.Minute

	// retryMaxShift stops the doubling once the computed delay has passed
	// retryMaxDelay; the attempt counter itself keeps growing unbounded.
	retryMaxShift = 5
)

// SyncOption configures a SyncCoordinator.
type SyncOption func(*SyncCoordinator)

// WithSyncInterval sets the periodic sync cadence for Run.
func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *SyncCoordinator) { s.interval = d }
}

// WithSyncLogger sets the coordinator's logger. Defaults to a no-op logger.
func WithSyncLogger(log zerolog.Logger) SyncOption {
	return func(s *SyncCoordinator) { s.log = log }
}

// WithSyncMetrics attaches Prometheus instrumentation.
func WithSyncMetrics(metrics *Metrics) SyncOption {
	return func(s *SyncCoordinator) { s.metrics = metrics }
}

// WithRetryRate bounds how many retry submits the sweep may issue per second
// across all conversations.
func WithRetryRate(perSecond float64, burst int) SyncOption {
	return func(s *SyncCoordinator) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewSyncCoordinator wires the coordinator to its collaborators.
func NewSyncCoordinator(store ConversationStore, client *Client, monitor *NetworkMonitor, lifecycle *LifecycleManager, opts ...SyncOption) *SyncCoordinator {
	s := &SyncCoordinator{
		store:     store,
		client:    client,
		monitor:   monitor,
		lifecycle: lifecycle,
		log:       zerolog.Nop(),
		interval:  30 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		syncing:   make(map[string]bool),
		retries:   make(map[string]*retryState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncConversation runs one full sync cycle for a single partner: fetch,
// merge, then retry that partner's pending messages. Offline or with a cycle
// already in flight for the partner it returns immediately; sync is
// idempotent, so skipping a cycle is always safe.
func (s *SyncCoordinator) SyncConversation(ctx context.Context, partnerID string) error {
	if !s.monitor.Online() {
		return nil
	}
	s.mu.Lock()
	if s.syncing[partnerID] {
		s.mu.Unlock()
		return nil
	}
	s.syncing[partnerID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.syncing, partnerID)
		s.mu.Unlock()
	}()

	s.emit(EventSyncStart, partnerID)
	start := time.Now()

	if err := s.pull(ctx, partnerID); err != nil {
		s.log.Warn().Err(err).Str("partner", partnerID).Msg("sync pull failed")
		s.emit(EventSyncError, err)
		if s.metrics != nil {
			s.metrics.SyncCycles.WithLabelValues("error").Inc()
		}
		return err
	}

	s.sweepPartner(ctx, partnerID)

	s.emit(EventSyncComplete, partnerID)
	if s.metrics != nil {
		s.metrics.SyncCycles.WithLabelValues("ok").Inc()
		s.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// pull fetches the server-side history for a partner and merges it into the
// store. SaveMessages preserves offline-queued messages and never regresses a
// status, so pulling the same history twice is a no-op.
func (s *SyncCoordinator) pull(ctx context.Context, partnerID string) error {
	remote, err := s.client.GetMessages(ctx, partnerID)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	msgs := make([]Message, 0, len(remote))
	for i := range remote {
		msgs = append(msgs, normalizeRemote(partnerID, &remote[i]))
	}
	if err := s.store.SaveMessages(partnerID, msgs); err != nil {
		return fmt.Errorf("merge history: %w", err)
	}
	return nil
}

// normalizeRemote maps a wire message into the local representation. Server
// messages are confirmed by definition: no provisional id, no offline flag.
// An unrecognized status defaults to sent rather than being dropped.
func normalizeRemote(partnerID string, r *RemoteMessage) Message {
	status := DeliveryStatus(r.Status)
	switch status {
	case StatusSent, StatusDelivered, StatusRead:
	default:
		status = StatusSent
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	return Message{
		ID:              r.ID,
		ClientID:        r.ClientID,
		ConversationKey: partnerID,
		SenderID:        r.SenderID,
		ReceiverID:      r.ReceiverID,
		Content:         r.Content,
		ReplyToID:       r.ReplyToID,
		CreatedAt:       createdAt,
		DeliveryStatus:  status,
	}
}

// SyncPending runs a full sync cycle for every conversation that still has
// messages of the current user stuck in sending or failed. Each conversation
// goes through SyncConversation, so the pull-and-merge happens before any
// re-submit: a send whose ack was lost is reconciled by the merge instead of
// being retried against a server that already has it.
func (s *SyncCoordinator) SyncPending(ctx context.Context) error {
	if !s.monitor.Online() {
		return nil
	}
	userID := s.store.CurrentUser()
	pending, err := s.store.GetPendingMessages(userID)
	if err != nil {
		return fmt.Errorf("scan pending: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PendingMessages.Set(float64(len(pending)))
	}
	partners := make(map[string]bool)
	for i := range pending {
		partners[pending[i].ConversationKey] = true
	}
	for partnerID := range partners {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.SyncConversation(ctx, partnerID); err != nil {
			s.log.Warn().Err(err).Str("partner", partnerID).Msg("pending sync failed")
		}
	}
	return nil
}

// sweepPartner retries pending messages for one partner only, as part of a
// conversation sync cycle.
func (s *SyncCoordinator) sweepPartner(ctx context.Context, partnerID string) {
	pending, err := s.store.GetPendingMessages(s.store.CurrentUser())
	if err != nil {
		s.log.Warn().Err(err).Msg("pending scan failed")
		return
	}
	for i := range pending {
		if pending[i].ConversationKey != partnerID {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.retryOne(ctx, partnerID, pending[i].Message)
	}
}

// retryOne submits a single pending message if its backoff window has
// elapsed, then records the outcome for the next sweep.
func (s *SyncCoordinator) retryOne(ctx context.Context, partnerID string, msg Message) {
	if !s.dueForRetry(msg.ID) {
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	result := s.lifecycle.Retry(ctx, partnerID, msg)
	if s.metrics != nil {
		s.metrics.RetriesTotal.Inc()
	}
	if result.Pending() {
		s.recordFailure(msg.ID)
		return
	}
	// confirmed under its server id; the provisional id never recurs
	s.clearRetry(msg.ID)
}

// dueForRetry reports whether a message's backoff window has elapsed. A
// message never seen before is always due.
func (s *SyncCoordinator) dueForRetry(msgID string) bool {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	st, ok := s.retries[msgID]
	if !ok {
		return true
	}
	return time.Now().After(st.nextAt)
}

func (s *SyncCoordinator) recordFailure(msgID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	st, ok := s.retries[msgID]
	if !ok {
		st = &retryState{}
		s.retries[msgID] = st
	}
	st.attempts++
	shift := st.attempts - 1
	if shift > retryMaxShift {
		shift = retryMaxShift
	}
	delay := retryBaseDelay << uint(shift)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	// jitter keeps a backlog of failures from retrying in lockstep
	delay += time.Duration(rand.Int63n(int64(delay) / 4))
	st.nextAt = time.Now().Add(delay)
}

func (s *SyncCoordinator) clearRetry(msgID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	delete(s.retries, msgID)
}

// Run drives periodic background sync until the context is cancelled. Every
// tick while online it syncs each conversation holding pending messages; a
// transition from offline to online triggers an immediate cycle instead of
// waiting out the tick.
func (s *SyncCoordinator) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	s.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		if err := s.SyncPending(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("pending sync failed")
		}
	}
}
