// Package delivery routes an agent's replies to a chat conversation, choosing
// per reply event between a discrete message send and a live-updating
// streamed message, with silent fallback to discrete delivery when streaming
// fails mid-response.
package delivery

import "strings"

// ResolveDelta computes the minimal text to append to an append-only stream
// given the previous full snapshot and the new one.
//
// Streams cannot retract text, so when next is a prefix of prev the lost tail
// is swallowed and the delta is empty. When the two diverge with no prefix
// relationship, the new text starts a fresh paragraph: "\n" + next.
func ResolveDelta(prev, next string) string {
	switch {
	case prev == "":
		return next
	case next == prev:
		return ""
	case strings.HasPrefix(next, prev):
		return next[len(prev):]
	case strings.HasPrefix(prev, next):
		return ""
	default:
		return "\n" + next
	}
}
