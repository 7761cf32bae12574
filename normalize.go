package lattice

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Record normalization
//
// The proxy API and the push channel deliver message records with varying
// field names (id|message_id|messageId, sender_id|senderId, and so on).
// Everything is collapsed into the canonical Message here, at the boundary,
// so the reconciliation engine never deals with aliases.
// ============================================================================

// NormalizeRecord maps a raw server record into a canonical Message.
//
// Missing or malformed fields degrade to documented fallbacks instead of
// failing: a record without a usable timestamp sorts at the given now, a
// record without an id gets a synthesized one, and an unknown attachment
// kind falls back to a generic file.
func NormalizeRecord(raw map[string]any, conversationKey string, now time.Time) Message {
	id := firstStr(raw, "id", "message_id", "messageId")
	if id == "" {
		// The push channel occasionally emits records before the server has
		// persisted them; give those a synthesized id so the duplicate rules
		// can still collapse the later authoritative copy.
		id = "srv-" + uuid.NewString()
	}

	m := Message{
		ID:              ParseID(id),
		ConversationKey: firstStr(raw, "conversation_id", "conversationId", "conversationKey"),
		SenderID:        firstStr(raw, "sender_id", "senderId", "sender"),
		Content:         firstStr(raw, "content", "text", "body"),
		Status:          StatusDelivered,
		Edited:          firstBool(raw, "is_edited", "isEdited", "edited"),
		Deleted:         firstBool(raw, "is_deleted", "isDeleted", "deleted"),
		SortKey:         canonicalTime(raw, now),
	}
	if m.ConversationKey == "" {
		m.ConversationKey = conversationKey
	}
	if m.Deleted {
		m.Content = Tombstone
	}
	m.Attachment = normalizeAttachment(raw)
	return m
}

// NormalizeBatch maps a page of raw records, dropping nils.
func NormalizeBatch(raws []map[string]any, conversationKey string, now time.Time) []Message {
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		msgs = append(msgs, NormalizeRecord(raw, conversationKey, now))
	}
	return msgs
}

// canonicalTime picks the canonical sort key: the first parseable value among
// the raw timestamp, client send time, server creation time, and display
// timestamp, else now. A record never fails to sort.
func canonicalTime(raw map[string]any, now time.Time) time.Time {
	for _, key := range []string{
		"timestamp", "ts",
		"sent_at", "sentAt",
		"created_at", "createdAt",
		"display_time", "displayTimestamp",
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if t, ok := parseTime(v); ok {
			return t
		}
	}
	return now
}

// parseTime accepts RFC 3339 strings (with or without sub-second precision),
// "2006-01-02 15:04:05" strings, and numeric epoch values in seconds or
// milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		// Heuristic: epoch milliseconds are 13 digits, seconds are 10.
		if t > 1e12 {
			return time.UnixMilli(int64(t)), true
		}
		return time.Unix(int64(t), 0), true
	case int64:
		return parseTime(float64(t))
	case int:
		return parseTime(float64(t))
	default:
		return time.Time{}, false
	}
}

func normalizeAttachment(raw map[string]any) *Attachment {
	// Nested object form first, then the flat attachment_url alias.
	if nested, ok := raw["attachment"].(map[string]any); ok {
		url := firstStr(nested, "url", "attachment_url", "attachmentUrl")
		if url == "" {
			return nil
		}
		return &Attachment{
			Kind: attachmentKind(firstStr(nested, "kind", "type"), url),
			URL:  url,
			Name: firstStr(nested, "name", "file_name", "fileName"),
			Size: int64(numOr(nested, "size", 0)),
		}
	}

	url := firstStr(raw, "attachment_url", "attachmentUrl")
	if url == "" {
		return nil
	}
	return &Attachment{
		Kind: attachmentKind(firstStr(raw, "attachment_type", "attachmentType"), url),
		URL:  url,
		Name: firstStr(raw, "attachment_name", "attachmentName"),
	}
}

// attachmentKind resolves the preview kind from an explicit kind field or the
// URL extension; anything unrecognized is a generic file.
func attachmentKind(kind, url string) AttachmentKind {
	switch strings.ToLower(kind) {
	case "image", "img", "photo":
		return AttachmentImage
	case "file", "document":
		return AttachmentFile
	}
	lower := strings.ToLower(url)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return AttachmentImage
		}
	}
	return AttachmentFile
}

// ============================================================================
// Map probing helpers
// ============================================================================

func firstStr(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := m[key].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if v == "true" || v == "1" {
				return true
			}
		case float64:
			if v != 0 {
				return true
			}
		}
	}
	return false
}

func numOr(m map[string]any, key string, fallback float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return fallback
}
