package delivery

import "fmt"

// ThreadMode is the per-conversation reply-threading policy.
type ThreadMode string

const (
	ThreadAll   ThreadMode = "all"   // every reply threads to the incoming message
	ThreadFirst ThreadMode = "first" // only the first reply of a response threads
	ThreadOff   ThreadMode = "off"   // no threading
)

// ParseThreadMode validates a configured reply-to mode string.
func ParseThreadMode(s string) (ThreadMode, error) {
	switch ThreadMode(s) {
	case ThreadAll, ThreadFirst, ThreadOff:
		return ThreadMode(s), nil
	case "":
		return ThreadOff, nil
	default:
		return "", fmt.Errorf("unknown reply-to mode %q (want all, first or off)", s)
	}
}

// ReplyPlan decides which thread each outgoing reply of one response attaches
// to. It is owned by the Router and shared by reference across the streaming
// and discrete delivery branches, so a streamed reply and a later discrete
// reply cooperate on the same has-replied flag. One ReplyPlan lives exactly
// as long as one response.
type ReplyPlan struct {
	mode       ThreadMode
	threadTS   string // thread of the incoming message
	anchorTS   string // the incoming message's own identifier
	hasReplied bool
}

// NewReplyPlan builds the plan for one response. threadTS may be empty when
// the incoming message starts a new thread; anchorTS then serves as the
// thread target.
func NewReplyPlan(mode ThreadMode, threadTS, anchorTS string) *ReplyPlan {
	return &ReplyPlan{mode: mode, threadTS: threadTS, anchorTS: anchorTS}
}

// NextThreadTS returns the thread identifier the next reply should attach to,
// or empty for an unthreaded reply. Pure: it never mutates the plan.
func (p *ReplyPlan) NextThreadTS() string {
	switch p.mode {
	case ThreadAll:
		return p.target()
	case ThreadFirst:
		if p.hasReplied {
			return ""
		}
		return p.target()
	default:
		return ""
	}
}

// MarkSent records that a reply was delivered. Idempotent; the flag never
// resets within one response.
func (p *ReplyPlan) MarkSent() { p.hasReplied = true }

func (p *ReplyPlan) HasReplied() bool { return p.hasReplied }

func (p *ReplyPlan) target() string {
	if p.threadTS != "" {
		return p.threadTS
	}
	return p.anchorTS
}
