// pkg/client/subscription.go
package client

import (
	"sort"
	"strconv"
	"sync"
)

// AckMode selects how inbound messages on a subscription are acknowledged.
type AckMode string

const (
	// AckAuto acknowledges every sequenced message as it is dispatched.
	AckAuto AckMode = "auto"
	// AckClient leaves acknowledgement to Acknowledge/AcknowledgeAll.
	AckClient AckMode = "client"
	// AckNone never acknowledges.
	AckNone AckMode = "none"
)

// Subscription is one interest registration. It persists client-side across
// reconnects; the registry replays it after each welcome.
type Subscription struct {
	id         string
	matcher    string
	durable    string
	ackMode    AckMode
	properties map[string]any
	listener   SubscriptionListener

	mu         sync.Mutex
	pending    bool  // true until the server confirms
	lastSeqNum int64 // highest delivered sequence number, for dedup on resume
}

// ID returns the client-generated subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Matcher returns the content matcher expression.
func (s *Subscription) Matcher() string { return s.matcher }

// Durable returns the durable name, or "" for a non-durable subscription.
func (s *Subscription) Durable() string { return s.durable }

func (s *Subscription) setPending(p bool) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

func (s *Subscription) isPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Subscription) lastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeqNum
}

func (s *Subscription) setLastSeq(seq int64) {
	s.mu.Lock()
	s.lastSeqNum = seq
	s.mu.Unlock()
}

// subscriptionRegistry is the id-keyed set of live subscriptions.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[string]*Subscription)}
}

func (r *subscriptionRegistry) add(s *Subscription) {
	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()
}

func (r *subscriptionRegistry) get(id string) (*Subscription, bool) {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	return s, ok
}

func (r *subscriptionRegistry) remove(id string) (*Subscription, bool) {
	r.mu.Lock()
	s, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	return s, ok
}

// all returns the subscriptions in ascending id order, so replay after a
// welcome preserves the original subscribe order.
func (r *subscriptionRegistry) all() []*Subscription {
	r.mu.RLock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].id, 10, 64)
		b, _ := strconv.ParseInt(out[j].id, 10, 64)
		return a < b
	})
	return out
}
