package lattice

import (
	"sort"
	"time"
)

// dedupWindow is the tolerance for treating two same-sender, same-content
// entries as one message delivered twice under different synthesized ids
// (push channel vs REST fallback).
//
// Known limitation: two legitimate identical messages sent by the same user
// within this window collapse into one. Kept as-is; the window is the only
// way to pair an optimistic entry with its server echo when the echo carries
// a fresh id.
const dedupWindow = time.Second

// Reconciler merges message batches into a conversation timeline while
// enforcing uniqueness, chronological order, and blocked-sender filtering.
// It is pure: inputs are never mutated, results are fresh slices.
type Reconciler struct {
	Identity Resolver
}

// MergeBatch merges newly observed messages (cache load, REST page, push
// event) into the existing timeline.
//
// Rules, in order: blocked senders are dropped unless the entry is the local
// user's own; an incoming entry that duplicates an existing one by id or by
// sender+content within dedupWindow is collapsed onto the existing entry,
// replacing it in place when the existing entry is provisional, so the user
// never sees the message jump; genuinely new entries are appended. The
// result is stably sorted ascending by canonical sort key.
//
// Merging is idempotent and order-independent: replaying a batch, or applying
// the push and REST copies of the same message in either order, converges to
// the same timeline.
func (r Reconciler) MergeBatch(existing, incoming []Message, blocked map[string]struct{}) []Message {
	merged := append([]Message(nil), existing...)

	for _, in := range incoming {
		if r.isBlocked(in, blocked) {
			continue
		}
		idx := findDuplicate(merged, in)
		if idx < 0 {
			merged = append(merged, in)
			continue
		}
		merged[idx] = collapse(merged[idx], in)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SortKey.Before(merged[j].SortKey)
	})
	return merged
}

// FilterBlocked re-applies the blocked-sender rule to an already-merged
// timeline, for when the blocked list changes without new messages arriving.
func (r Reconciler) FilterBlocked(timeline []Message, blocked map[string]struct{}) []Message {
	out := make([]Message, 0, len(timeline))
	for _, m := range timeline {
		if !r.isBlocked(m, blocked) {
			out = append(out, m)
		}
	}
	return out
}

// isBlocked applies the blocking rule. Own messages are never filtered, even
// if the local user id somehow appears in the blocked set.
func (r Reconciler) isBlocked(m Message, blocked map[string]struct{}) bool {
	if len(blocked) == 0 {
		return false
	}
	if _, ok := blocked[m.SenderID]; !ok {
		return false
	}
	return !r.Identity.IsOwn(m.SenderID, m.ID)
}

// findDuplicate locates an existing entry the incoming one duplicates:
// first by id equality (aliases were collapsed at normalization), then by
// sender+content with canonical timestamps within dedupWindow.
func findDuplicate(timeline []Message, in Message) int {
	for i := range timeline {
		if timeline[i].ID.Equal(in.ID) {
			return i
		}
	}
	for i := range timeline {
		m := &timeline[i]
		if m.SenderID != in.SenderID || m.Content != in.Content {
			continue
		}
		d := m.SortKey.Sub(in.SortKey)
		if d < 0 {
			d = -d
		}
		if d < dedupWindow {
			return i
		}
	}
	return -1
}

// collapse resolves a duplicate pair onto one entry.
//
// The existing entry keeps its sort key so the message holds the position the
// user already saw. An authoritative incoming copy supersedes a provisional
// entry wholesale and refreshes content/flags on a confirmed one; a
// provisional or equal-id replay leaves the existing entry untouched apart
// from the realtime mark.
func collapse(existing, in Message) Message {
	if in.ID.Provisional() && !existing.ID.Provisional() {
		existing.ViaRealtime = existing.ViaRealtime || in.ViaRealtime
		return existing
	}

	out := existing
	if existing.ID.Provisional() {
		out = in
		out.SortKey = existing.SortKey
	} else {
		out.Content = in.Content
		out.Edited = existing.Edited || in.Edited
		out.Deleted = existing.Deleted || in.Deleted
		out.Read = existing.Read || in.Read
		out.Status = StatusDelivered
		if out.Attachment == nil {
			out.Attachment = in.Attachment
		}
		if out.Deleted {
			out.Content = Tombstone
		}
	}
	out.ViaRealtime = existing.ViaRealtime || in.ViaRealtime
	return out
}
