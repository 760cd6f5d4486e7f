package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Delivery status
// ============================================================================

// DeliveryStatus is the lifecycle stage of an outbound message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders statuses along the forward path. failed sits beside sending so
// the retry edge (failed -> sending) is the only permitted backward move.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal
// state-machine edge. Status never regresses except failed <-> sending.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s == next {
		return true
	}
	switch {
	case s == StatusSending && next == StatusFailed:
		return true
	case s == StatusFailed && next == StatusSending:
		return true
	default:
		return next.rank() > s.rank() && s != StatusFailed
	}
}

// ============================================================================
// Message
// ============================================================================

// Message is a single chat message as held in the local store.
//
// ID is either a client-generated provisional identifier (Provisional true)
// or the server-assigned identifier once acknowledged (Provisional false),
// never both at once. Reconciliation swaps the whole entry; it does not
// mutate the id in place.
type Message struct {
	ID          string `json:"id"`
	Provisional bool   `json:"provisional,omitempty"`

	// ClientID echoes the provisional id a confirmed message was first
	// composed under, when known. Merging uses it to recognize a send whose
	// acknowledgement was lost.
	ClientID string `json:"clientId,omitempty"`

	// ConversationKey identifies the other participant. Conversations are
	// strictly one-to-one, so the partner id is the conversation.
	ConversationKey string `json:"conversationKey"`

	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`

	// CreatedAt is assigned client-side at creation time and survives
	// reconciliation untouched; display order depends on it.
	CreatedAt time.Time `json:"createdAt"`

	// ReplyToID is a weak reference to another message in the same
	// conversation. A missing target renders without quoted context.
	ReplyToID string `json:"replyToId,omitempty"`

	// DeliveryStatus is empty for messages authored by the other participant.
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`

	// IsOffline is true while the message exists only locally and has not
	// been acknowledged by the remote API.
	IsOffline bool `json:"isOffline,omitempty"`

	// Seq is the store-assigned insertion counter used to break createdAt
	// ties. Persisted so the tie-break survives restarts.
	Seq uint64 `json:"seq,omitempty"`
}

// Pending reports whether the message still awaits successful delivery.
func (m *Message) Pending() bool {
	return m.DeliveryStatus == StatusSending || m.DeliveryStatus == StatusFailed
}

// before orders messages by createdAt, insertion seq breaking ties.
func (m *Message) before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// PendingMessage pairs a stuck message with the conversation it belongs to,
// as returned by the store's pending sweep.
type PendingMessage struct {
	ConversationKey string  `json:"conversationKey"`
	Message         Message `json:"message"`
}

// ============================================================================
// Remote API shapes
// ============================================================================

// APIError represents a remote API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic remote API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// SendMessageRequest is the submit payload for the remote send endpoint.
// ClientID carries the provisional id so the server can deduplicate a retry
// of a send it already accepted.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ReplyToID  string `json:"replyToId,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// RemoteMessage is a message record as the server reports it. ClientID is
// echoed back for records created through a clientId-bearing send.
type RemoteMessage struct {
	ID         string `json:"id"`
	ClientID   string `json:"clientId,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ReplyToID  string `json:"replyToId,omitempty"`
	Status     string `json:"status,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type sendMessageData struct {
	Message RemoteMessage `json:"message"`
}

type messageHistoryData struct {
	Messages []RemoteMessage `json:"messages"`
}

type markReadData struct {
	UnreadCount int `json:"unreadCount"`
}
