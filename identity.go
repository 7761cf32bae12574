package lattice

import "strings"

// Resolver determines message ownership and resolves sender display data
// against a conversation roster. The zero value is usable for anonymous
// sessions; LocalName defaults to "You".
type Resolver struct {
	LocalUserID string
	LocalName   string
	LocalAvatar string
}

// IsOwn reports whether a message belongs to the local user: every message
// carrying a provisional id is own by construction, otherwise the sender id
// must equal the local user id after trimming. No fuzzy matching.
func (r Resolver) IsOwn(senderID string, id MessageID) bool {
	if id.Provisional() {
		return true
	}
	sender := strings.TrimSpace(senderID)
	local := strings.TrimSpace(r.LocalUserID)
	return sender != "" && sender == local
}

// SenderDisplay resolves a display name and avatar for a sender. Roster
// lookup is by exact id match against both the primary and the alternate
// user-id field. Absent or malformed roster entries never fail resolution;
// an unknown sender gets a deterministic name derived from the id.
func (r Resolver) SenderDisplay(senderID string, own bool, roster []Member) SenderDisplay {
	if own {
		name := r.LocalName
		if name == "" {
			name = "You"
		}
		return SenderDisplay{Name: name, Avatar: r.LocalAvatar}
	}

	for _, m := range roster {
		if senderID == "" {
			break
		}
		if m.ID == senderID || (m.UserID != "" && m.UserID == senderID) {
			if m.DisplayName == "" {
				return SenderDisplay{Name: fallbackName(senderID), Avatar: m.Avatar}
			}
			return SenderDisplay{Name: m.DisplayName, Avatar: m.Avatar}
		}
	}
	return SenderDisplay{Name: fallbackName(senderID)}
}

// fallbackName derives a stable placeholder from an id fragment.
func fallbackName(senderID string) string {
	s := strings.TrimSpace(senderID)
	if s == "" {
		return "Unknown"
	}
	if len(s) > 8 {
		s = s[:8]
	}
	return "User " + s
}
