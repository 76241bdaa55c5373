package store

import (
	"sync"

	"github.com/mwaldrop/reverie/internal/logging"
	"github.com/mwaldrop/reverie/internal/models"
)

// Filter selects which records a subscription receives. A nil Filter
// matches every record of the subscribed entity type.
type Filter func(*models.Record) bool

// Subscription is a live sequence of matching records, re-emitted on every
// committed store mutation. Consumed by the UI layer.
type Subscription struct {
	C <-chan *models.Record

	id         int
	entityType models.EntityType
	filter     Filter
	ch         chan *models.Record
	set        *subscriberSet
	once       sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.set.remove(s.id)
		close(s.ch)
	})
}

// subscriberSet fans committed mutations out to live subscriptions.
type subscriberSet struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[int]*Subscription)}
}

// Subscribe registers a live subscription for one entity type.
func (s *Store) Subscribe(entityType models.EntityType, filter Filter) *Subscription {
	return s.subs.add(entityType, filter)
}

func (ss *subscriberSet) add(entityType models.EntityType, filter Filter) *Subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.nextID++
	ch := make(chan *models.Record, 64)
	sub := &Subscription{
		C:          ch,
		id:         ss.nextID,
		entityType: entityType,
		filter:     filter,
		ch:         ch,
		set:        ss,
	}
	ss.subs[sub.id] = sub
	return sub
}

func (ss *subscriberSet) remove(id int) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.subs, id)
}

// notify delivers a committed record to matching subscribers. Delivery is
// synchronous with the commit; a subscriber that has fallen 64 records
// behind loses the event rather than blocking the write path.
func (ss *subscriberSet) notify(rec *models.Record) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, sub := range ss.subs {
		if sub.entityType != rec.EntityType {
			continue
		}
		if sub.filter != nil && !sub.filter(rec) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			logging.Warn("Dropping record event for slow subscriber",
				map[string]interface{}{
					"entity_type": rec.EntityType,
					"entity_id":   rec.ID,
				})
		}
	}
}
