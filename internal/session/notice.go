package session

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/gridcalc/internal/calculation"
)

// NoticeKind tells the dispatcher what happened on a session.
type NoticeKind int

const (
	// NoticeConnected: a worker connection was accepted.
	NoticeConnected NoticeKind = iota
	// NoticeIdle: the session entered Ready and can take a fragment.
	NoticeIdle
	// NoticeStarted: the worker acknowledged the fragment.
	NoticeStarted
	// NoticeDone: the worker returned a result; Payload holds the envelope.
	NoticeDone
	// NoticeUnable: the worker lacks the fragment's plugin.
	NoticeUnable
	// NoticeAborted: the fragment failed on the worker and must be requeued.
	NoticeAborted
	// NoticeLost: the connection is gone. Fragment is the one it held, if any.
	NoticeLost
)

var noticeNames = [...]string{
	NoticeConnected: "connected",
	NoticeIdle:      "idle",
	NoticeStarted:   "started",
	NoticeDone:      "done",
	NoticeUnable:    "unable",
	NoticeAborted:   "aborted",
	NoticeLost:      "lost",
}

func (k NoticeKind) String() string {
	if int(k) >= 0 && int(k) < len(noticeNames) {
		return noticeNames[k]
	}
	return fmt.Sprintf("NoticeKind(%d)", int(k))
}

// Notice is a message from a session to the dispatcher. The fragment it
// carries has already been detached from the session, except for
// NoticeStarted.
type Notice struct {
	Session  *Session
	Fragment *calculation.Fragment
	Reason   string
	Payload  json.RawMessage
	Kind     NoticeKind
}
