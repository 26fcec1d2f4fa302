package gqlwsclient

import (
	"sort"
	"sync"

	gqlwsmessage "github.com/calluna-io/gql-ws/message"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

// Handlers is the sink a subscriber provides. Each subscriber receives zero
// or more OnNext calls followed by exactly one of OnComplete or OnError;
// nothing is delivered after that. A subscriber disposed before its terminal
// call receives no further calls at all, terminal included.
type Handlers struct {
	OnNext     func(*graphql.Result)
	OnError    func(error)
	OnComplete func()
}

// SubscriptionError carries the payload of an error message.
type SubscriptionError struct {
	Errors gqlerrors.FormattedErrors
}

func (e *SubscriptionError) Error() string {
	if len(e.Errors) == 0 {
		return `subscription error`
	}
	return e.Errors[0].Message
}

// subscriber lives across reconnects until it completes, errors or is
// disposed.
type subscriber struct {
	id      string
	payload gqlwsmessage.SubscribePayload
	sink    Handlers
	seq     int
	// sent reports whether subscribe was dispatched on the current socket
	sent bool
	// done suppresses every sink call after the terminal one
	done bool
}

type subMan struct {
	subs map[string]*subscriber
	seq  int
	lock sync.RWMutex
}

func newSubMan() *subMan {
	var sm subMan
	sm.subs = make(map[string]*subscriber)
	return &sm
}

func (sm *subMan) set(id string, sub *subscriber) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.seq++
	sub.seq = sm.seq
	sm.subs[id] = sub
}

func (sm *subMan) get(id string) *subscriber {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	return sm.subs[id]
}

func (sm *subMan) del(id string) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	delete(sm.subs, id)
}

func (sm *subMan) count() int {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	return len(sm.subs)
}

// ordered returns the live subscribers in registration order, for replay
// after a reconnect.
func (sm *subMan) ordered() []*subscriber {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	subs := make([]*subscriber, 0, len(sm.subs))
	for _, sub := range sm.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// drain removes and returns every live subscriber, for terminal delivery.
func (sm *subMan) drain() []*subscriber {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	subs := make([]*subscriber, 0, len(sm.subs))
	for id, sub := range sm.subs {
		subs = append(subs, sub)
		delete(sm.subs, id)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	return subs
}

// markUnsent flags every subscriber for re-dispatch on a fresh socket.
func (sm *subMan) markUnsent() {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	for _, sub := range sm.subs {
		sub.sent = false
	}
}
