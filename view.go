package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// ConversationView
// ============================================================================

// DisplayMessage is a message prepared for rendering: the stored message plus
// a resolved reply preview when the referenced message is locally known.
type DisplayMessage struct {
	Message
	// ReplyTo holds the referenced message when replyToId resolves against
	// the local log. A dangling reference leaves it nil; the reference is
	// weak and the message renders without a preview.
	ReplyTo *Message `json:"replyTo,omitempty"`
}

// ConversationView binds one open conversation to the engine. It owns the
// poll loop for the active partner and exposes the read surface a UI renders
// from. Switching partners tears down only the poll; sends already in flight
// keep their own lifetime and complete against the store regardless of which
// conversation is on screen.
type ConversationView struct {
	store     ConversationStore
	monitor   *NetworkMonitor
	lifecycle *LifecycleManager
	syncer    *SyncCoordinator

	log          zerolog.Logger
	pollInterval time.Duration

	mu         sync.Mutex
	partnerID  string
	unread     int
	pollCancel context.CancelFunc

	onChange func(partnerID string)
}

// ViewOption configures a ConversationView.
type ViewOption func(*ConversationView)

// WithPollInterval sets the active-conversation refresh cadence.
func WithPollInterval(d time.Duration) ViewOption {
	return func(v *ConversationView) { v.pollInterval = d }
}

// WithViewLogger sets the view's logger. Defaults to a no-op logger.
func WithViewLogger(log zerolog.Logger) ViewOption {
	return func(v *ConversationView) { v.log = log }
}

// OnChange registers a callback invoked whenever the active conversation's
// log may have changed and the UI should re-read Messages. Invoked from
// engine goroutines; the callback must not block.
func OnChange(fn func(partnerID string)) ViewOption {
	return func(v *ConversationView) { v.onChange = fn }
}

// NewConversationView wires the view to the engine components and subscribes
// to the store-mutating events so the UI learns about confirmations and
// failures without polling for them.
func NewConversationView(store ConversationStore, monitor *NetworkMonitor, lifecycle *LifecycleManager, syncer *SyncCoordinator, opts ...ViewOption) *ConversationView {
	v := &ConversationView{
		store:        store,
		monitor:      monitor,
		lifecycle:    lifecycle,
		syncer:       syncer,
		log:          zerolog.Nop(),
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	notify := func(event string, payload any) {
		msg, ok := payload.(Message)
		if !ok {
			return
		}
		v.notifyChanged(msg.ConversationKey)
	}
	lifecycle.On(EventMessageConfirmed, notify)
	lifecycle.On(EventMessageFailed, notify)
	syncer.On(EventSyncComplete, func(event string, payload any) {
		if partner, ok := payload.(string); ok {
			v.notifyChanged(partner)
		}
	})
	return v
}

// Open makes partnerID the active conversation: any previous poll loop is
// cancelled, a new one starts, and when online an immediate sync and mark-read
// round trip runs so the view is fresh before the first tick.
//
// Cached messages from the store are available to render the moment Open
// returns, whatever the network is doing.
func (v *ConversationView) Open(partnerID string) {
	v.mu.Lock()
	if v.pollCancel != nil {
		v.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.partnerID = partnerID
	v.unread = 0
	v.pollCancel = cancel
	v.mu.Unlock()

	go v.pollLoop(ctx, partnerID)

	if v.monitor.Online() {
		go func() {
			if err := v.syncer.SyncConversation(ctx, partnerID); err != nil {
				v.log.Debug().Err(err).Str("partner", partnerID).Msg("open sync failed")
			}
			unread := v.lifecycle.MarkRead(ctx, partnerID)
			v.setUnread(partnerID, unread)
			v.notifyChanged(partnerID)
		}()
	}
}

// pollLoop refreshes the active conversation until its context is cancelled
// by the next Open or by Close.
func (v *ConversationView) pollLoop(ctx context.Context, partnerID string) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := v.syncer.SyncConversation(ctx, partnerID); err != nil && ctx.Err() == nil {
			v.log.Debug().Err(err).Str("partner", partnerID).Msg("poll sync failed")
		}
	}
}

// Messages returns the active conversation's log ordered for display, with
// reply references resolved where the referenced message is locally present.
func (v *ConversationView) Messages() ([]DisplayMessage, error) {
	v.mu.Lock()
	partnerID := v.partnerID
	v.mu.Unlock()
	if partnerID == "" {
		return nil, nil
	}

	msgs, err := v.store.GetMessages(partnerID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = i
	}
	out := make([]DisplayMessage, len(msgs))
	for i := range msgs {
		out[i] = DisplayMessage{Message: msgs[i]}
		if ref := msgs[i].ReplyToID; ref != "" {
			if j, ok := byID[ref]; ok {
				target := msgs[j]
				out[i].ReplyTo = &target
			}
		}
	}
	return out, nil
}

// Send composes a message to the active conversation and returns the local
// echo without waiting on the network. Delivery runs in the background on its
// own context, so switching conversations or closing the view while a send is
// in flight never aborts it; the outcome surfaces through OnChange.
func (v *ConversationView) Send(content, replyToID string) (Message, error) {
	v.mu.Lock()
	partnerID := v.partnerID
	v.mu.Unlock()

	msg, err := v.lifecycle.Send(context.Background(), v.store.CurrentUser(), partnerID, content, replyToID)
	if err != nil {
		return Message{}, err
	}
	v.notifyChanged(partnerID)
	return msg, nil
}

// Retry re-attempts one failed message in the active conversation by id. An
// id that is unknown or no longer pending is a no-op.
func (v *ConversationView) Retry(messageID string) {
	v.mu.Lock()
	partnerID := v.partnerID
	v.mu.Unlock()
	if partnerID == "" {
		return
	}

	msgs, err := v.store.GetMessages(partnerID)
	if err != nil {
		v.log.Warn().Err(err).Msg("retry lookup failed")
		return
	}
	for i := range msgs {
		if msgs[i].ID == messageID && msgs[i].Pending() {
			go func(m Message) {
				v.lifecycle.Retry(context.Background(), partnerID, m)
				v.notifyChanged(partnerID)
			}(msgs[i])
			return
		}
	}
}

// UnreadCount returns the partner's unread total as last reported by the
// server.
func (v *ConversationView) UnreadCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unread
}

func (v *ConversationView) setUnread(partnerID string, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.partnerID == partnerID {
		v.unread = n
	}
}

// notifyChanged fires the change callback when the mutated conversation is
// the one on screen.
func (v *ConversationView) notifyChanged(partnerID string) {
	v.mu.Lock()
	active := v.partnerID
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil && partnerID == active {
		fn(partnerID)
	}
}

// Close stops the poll loop and drops the engine event subscriptions taken
// out by the constructor. The store and any in-flight sends are untouched;
// their outcomes still land in the store, they just stop announcing
// themselves to this view.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.pollCancel != nil {
		v.pollCancel()
		v.pollCancel = nil
	}
	v.partnerID = ""
	v.mu.Unlock()

	v.lifecycle.removeAll()
	v.syncer.removeAll()
}
