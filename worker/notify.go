package worker

import "sync"

// subscriberBuffer is how many undelivered updates a subscriber may lag
// behind before updates are dropped for it.
const subscriberBuffer = 16

// notifier fans out status updates to any number of independent subscribers.
// Delivery is synchronous with the transition and best-effort: a slow
// subscriber has updates dropped rather than blocking the state machine.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Status
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Status)}
}

// subscribe registers a new subscriber and returns its channel along with an
// unsubscribe function. The channel is closed on unsubscribe.
func (n *notifier) subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (n *notifier) publish(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- s:
		default:
			// subscriber is full, drop
		}
	}
}
