// pkg/client/request.go
package client

import (
	"sort"
	"sync"
	"time"

	"github.com/lightforgemedia/go-eftl/pkg/message"
)

// pendingRequest is one outbound operation awaiting a server acknowledgement
// or reply. Exactly one of complete/fail runs per request; removal from the
// request table is the commit point that decides the winner.
type pendingRequest interface {
	sequence() int64
	text() string
	complete(body *message.Message)
	fail(err error)
}

// publishRequest resolves a publish (or reply, or map create/destroy) with a
// completion-only listener. On success the originally published message is
// handed back.
type publishRequest struct {
	seq      int64
	envelope string
	msg      *message.Message
	handler  CompletionHandler
}

func (r *publishRequest) sequence() int64 { return r.seq }
func (r *publishRequest) text() string    { return r.envelope }

func (r *publishRequest) complete(*message.Message) {
	if r.handler != nil {
		r.handler(r.msg, nil)
	}
}

func (r *publishRequest) fail(err error) {
	if r.handler != nil {
		r.handler(r.msg, err)
	}
}

// replyRequest resolves a request/reply exchange. It owns the timeout timer;
// the timer is stopped on whichever resolution path wins.
type replyRequest struct {
	seq      int64
	envelope string
	msg      *message.Message
	handler  ReplyHandler

	timerMu sync.Mutex
	timer   *time.Timer
}

func (r *replyRequest) sequence() int64 { return r.seq }
func (r *replyRequest) text() string    { return r.envelope }

func (r *replyRequest) setTimer(t *time.Timer) {
	r.timerMu.Lock()
	r.timer = t
	r.timerMu.Unlock()
}

func (r *replyRequest) stopTimer() {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerMu.Unlock()
}

func (r *replyRequest) complete(body *message.Message) {
	r.stopTimer()
	if r.handler != nil {
		r.handler(body, nil)
	}
}

func (r *replyRequest) fail(err error) {
	r.stopTimer()
	if r.handler != nil {
		r.handler(nil, err)
	}
}

// mapRequest resolves a key/value map operation.
type mapRequest struct {
	seq      int64
	envelope string
	key      string
	handler  KeyValueHandler
}

func (r *mapRequest) sequence() int64 { return r.seq }
func (r *mapRequest) text() string    { return r.envelope }

func (r *mapRequest) complete(body *message.Message) {
	if r.handler != nil {
		r.handler(r.key, body, nil)
	}
}

func (r *mapRequest) fail(err error) {
	if r.handler != nil {
		r.handler(r.key, nil, err)
	}
}

// requestTable is the sequence-number-keyed table of pending requests.
// Single-entry operations are safe for concurrent use; takeAll runs only on
// terminal paths.
type requestTable struct {
	mu      sync.Mutex
	entries map[int64]pendingRequest
}

func newRequestTable() *requestTable {
	return &requestTable{entries: make(map[int64]pendingRequest)}
}

func (t *requestTable) add(r pendingRequest) {
	t.mu.Lock()
	t.entries[r.sequence()] = r
	t.mu.Unlock()
}

// remove takes the entry for seq out of the table. The caller that gets
// ok==true owns the resolution; a concurrent ack or timeout finds no entry
// and is a no-op.
func (t *requestTable) remove(seq int64) (pendingRequest, bool) {
	t.mu.Lock()
	r, ok := t.entries[seq]
	if ok {
		delete(t.entries, seq)
	}
	t.mu.Unlock()
	return r, ok
}

// pending returns the still-unresolved requests in ascending sequence order,
// which equals their original submission order.
func (t *requestTable) pending() []pendingRequest {
	t.mu.Lock()
	out := make([]pendingRequest, 0, len(t.entries))
	for _, r := range t.entries {
		out = append(out, r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].sequence() < out[j].sequence() })
	return out
}

// takeAll empties the table and returns the entries for forced resolution.
func (t *requestTable) takeAll() []pendingRequest {
	t.mu.Lock()
	out := make([]pendingRequest, 0, len(t.entries))
	for _, r := range t.entries {
		out = append(out, r)
	}
	t.entries = make(map[int64]pendingRequest)
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].sequence() < out[j].sequence() })
	return out
}
