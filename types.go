package lattice

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Errors
// ============================================================================

// APIError represents an authoritative rejection from the proxy API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Error classes surfaced to the UI layer for rejected operations.
const (
	ErrClassNotFound  = "not_found"
	ErrClassForbidden = "forbidden"
	ErrClassServer    = "server"
	ErrClassNetwork   = "network"
)

// ErrorClass maps an error to one of the user-facing failure classes.
// Anything that is not a typed API rejection is treated as a transport
// problem.
func ErrorClass(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "NOT_FOUND":
			return ErrClassNotFound
		case "FORBIDDEN", "UNAUTHORIZED":
			return ErrClassForbidden
		case "SERVER_ERROR":
			return ErrClassServer
		}
	}
	return ErrClassNetwork
}

// ============================================================================
// Message identity
// ============================================================================

// provisionalPrefix tags client-generated ids in serialized form so a cached
// timeline round-trips without losing the provisional bit.
const provisionalPrefix = "local-"

// MessageID identifies a message. It is either provisional (client-generated,
// awaiting server confirmation) or authoritative (server-assigned). The tag
// travels with the value, so "is this message confirmed" is never a string
// prefix check at call sites.
type MessageID struct {
	value       string
	provisional bool
}

// NewProvisionalID returns a fresh client-generated id for an outgoing
// message.
func NewProvisionalID() MessageID {
	return MessageID{value: provisionalPrefix + uuid.NewString(), provisional: true}
}

// ServerID wraps a server-assigned identifier.
func ServerID(id string) MessageID {
	return MessageID{value: id}
}

// ParseID restores a MessageID from its serialized form.
func ParseID(s string) MessageID {
	if strings.HasPrefix(s, provisionalPrefix) {
		return MessageID{value: s, provisional: true}
	}
	return MessageID{value: s}
}

// Provisional reports whether the id is client-generated.
func (id MessageID) Provisional() bool { return id.provisional }

// IsZero reports whether the id is empty.
func (id MessageID) IsZero() bool { return id.value == "" }

// Equal reports whether two ids refer to the same message.
func (id MessageID) Equal(other MessageID) bool { return id.value == other.value }

func (id MessageID) String() string { return id.value }

// MarshalJSON serializes the id as its string value.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON restores the id, recovering the provisional tag from the
// serialized prefix.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ParseID(s)
	return nil
}

// ============================================================================
// Message lifecycle
// ============================================================================

// MessageStatus is the outgoing-message lifecycle state. Incoming messages
// are always StatusDelivered.
//
// Transitions: pending → delivered | failed, failed → retrying → delivered | failed.
// failed is never terminal; every failed entry stays retryable.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusRetrying  MessageStatus = "retrying"
)

// Tombstone replaces the content of a deleted message. The original text is
// not retained client-side.
const Tombstone = "[message deleted]"

// ============================================================================
// Canonical message
// ============================================================================

// AttachmentKind classifies an attachment for preview purposes.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment describes a file or image attached to a message.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Size int64          `json:"size,omitempty"`
}

// Message is the canonical message entity. Raw proxy and push records are
// normalized into this shape at the system boundary; the rest of the core
// never sees aliased field names.
//
// SortKey is the canonical timestamp chosen at normalization time and is the
// only ordering input the reconciliation engine uses.
type Message struct {
	ID              MessageID     `json:"id"`
	ConversationKey string        `json:"conversationKey"`
	SenderID        string        `json:"senderId"`
	Content         string        `json:"content"`
	Attachment      *Attachment   `json:"attachment,omitempty"`
	Status          MessageStatus `json:"status,omitempty"`
	Edited          bool          `json:"edited,omitempty"`
	Deleted         bool          `json:"deleted,omitempty"`
	Read            bool          `json:"read,omitempty"`
	RetryCount      int           `json:"retryCount,omitempty"`
	ViaRealtime     bool          `json:"viaRealtime,omitempty"`
	FailReason      string        `json:"failReason,omitempty"`
	SortKey         time.Time     `json:"sortKey"`
}

// ============================================================================
// Roster
// ============================================================================

// Member is a roster entry for a group conversation. The surrounding
// group-management layer owns this data; the core reads it for sender
// resolution and blocked filtering only.
type Member struct {
	ID          string `json:"id"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatarUrl,omitempty"`
	Role        string `json:"role,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// SenderDisplay is a resolved display name and avatar for a message author.
type SenderDisplay struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}
