package chatsync

import (
	"crypto/rand"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the durable, per-user, per-partner message log. It is
// the only mutable shared resource in the engine; the lifecycle manager and
// sync coordinator both write through this narrow surface, so the store is
// always the source of truth regardless of which view is mounted.
//
// Absence is never an error: reading an unknown partner yields an empty log.
type ConversationStore interface {
	// SetCurrentUser scopes all subsequent reads and writes to this user's
	// namespace. Switching users must not leak or merge another user's
	// cached messages.
	SetCurrentUser(userID string)

	// CurrentUser returns the active namespace.
	CurrentUser() string

	// GetMessages returns the full locally known log for a partner, ordered
	// by createdAt with insertion order breaking ties.
	GetMessages(partnerID string) ([]Message, error)

	// SaveMessages replaces the stored log for a partner wholesale, except
	// that locally queued (IsOffline) messages absent from the replacement
	// set are preserved: those represent sends that have not reached the
	// server yet. For ids present on both sides the delivery status never
	// regresses.
	SaveMessages(partnerID string, msgs []Message) error

	// AddMessage upserts a single message by id: an existing entry with the
	// same id is replaced in place, otherwise the message is appended.
	AddMessage(partnerID string, msg Message) error

	// ReplaceMessage atomically removes the entry with oldID and inserts
	// msg. Used for provisional -> confirmed reconciliation so the log never
	// momentarily holds both representations of one logical message.
	ReplaceMessage(partnerID, oldID string, msg Message) error

	// UpdateMessageStatus mutates only the delivery status of one message.
	// Illegal backward transitions are ignored. A confirmed status clears
	// the offline flag.
	UpdateMessageStatus(partnerID, messageID string, status DeliveryStatus) error

	// GetPendingMessages scans every partner's log for messages authored by
	// userID that are still sending or failed.
	GetPendingMessages(userID string) ([]PendingMessage, error)

	Close() error
}

// ============================================================================
// Outgoing message factory
// ============================================================================

// NewOutgoingMessage builds a fresh outbound message with a provisional id,
// createdAt now, status sending and the offline flag set. The message is not
// persisted; callers append it via AddMessage.
func NewOutgoingMessage(senderID, receiverID, content, replyToID string) Message {
	return Message{
		ID:              "local-" + newProvisionalID(),
		Provisional:     true,
		ConversationKey: receiverID,
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Content:         content,
		ReplyToID:       replyToID,
		CreatedAt:       time.Now().UTC(),
		DeliveryStatus:  StatusSending,
		IsOffline:       true,
	}
}

// newProvisionalID returns a v4 UUID, falling back to a timestamp pair if the
// system entropy source fails.
func newProvisionalID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().UnixMilli())
	}
	b[6] = (b[6] & 0x0f) | 0x40 // Version 4
	b[8] = (b[8] & 0x3f) | 0x80 // Variant 10
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// ============================================================================
// Shared merge helpers
// ============================================================================

// mergeLogs implements the merge-on-save guard over a plain slice: the
// replacement set wins, but existing offline messages missing from it are
// carried over, and statuses of entries present on both sides never regress.
//
// A replacement entry whose clientId matches an existing provisional id
// supersedes that provisional: the server accepted the send but the ack was
// lost, so carrying the local copy would duplicate the message.
func mergeLogs(existing, replacement []Message) []Message {
	out := make([]Message, len(replacement))
	copy(out, replacement)
	idx := make(map[string]int, len(out))
	byClient := make(map[string]int)
	for i := range out {
		idx[out[i].ID] = i
		if out[i].ClientID != "" {
			byClient[out[i].ClientID] = i
		}
	}
	var carried []Message
	for i := range existing {
		old := &existing[i]
		if j, ok := idx[old.ID]; ok {
			// same id on both sides: keep the more advanced status
			kept := &out[j]
			if old.DeliveryStatus != "" && !old.DeliveryStatus.CanTransition(kept.DeliveryStatus) {
				kept.DeliveryStatus = old.DeliveryStatus
				kept.IsOffline = old.IsOffline
			}
			if kept.Seq == 0 {
				kept.Seq = old.Seq
			}
			continue
		}
		if j, ok := byClient[old.ID]; ok && old.IsOffline {
			if out[j].Seq == 0 {
				out[j].Seq = old.Seq
			}
			continue
		}
		if old.IsOffline {
			carried = append(carried, *old)
		}
	}
	out = append(out, carried...)
	sortLog(out)
	return out
}

func sortLog(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].before(&msgs[j])
	})
}
