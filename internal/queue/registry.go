package queue

import "github.com/relayqueue/rqd/internal/message"

// Registry owns every live queue, indexed both by name and by qid
// (spec §3's "mapping from qid to queue and a parallel name→qid
// index"). Qids are assigned monotonically and are stable for a
// queue's lifetime; a queue recreated after being reclaimed gets a
// fresh qid, so no qid is ever reused.
type Registry struct {
	byName map[string]*Queue
	byID   map[message.QueueID]*Queue
	nextID message.QueueID

	// order tracks name lookup recency, most-recent first, mirroring
	// queue_get_name's intent to surface hot queues faster. SIGHUP
	// resets it back to creation order (spec §13, Open Question 1).
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Queue),
		byID:   make(map[message.QueueID]*Queue),
	}
}

// GetByName looks up a queue and, if found, bumps it to the front of
// the recency order.
func (r *Registry) GetByName(name string) (*Queue, bool) {
	q, ok := r.byName[name]
	if ok {
		r.touch(name)
	}
	return q, ok
}

// GetByID looks up a queue by its broker-local qid.
func (r *Registry) GetByID(qid message.QueueID) (*Queue, bool) {
	q, ok := r.byID[qid]
	return q, ok
}

// GetOrCreate returns the named queue, creating it (with the next
// monotonic qid) if it does not yet exist (queue_create — "first
// reference, consume or enqueue", spec §3).
func (r *Registry) GetOrCreate(name string) *Queue {
	if q, ok := r.byName[name]; ok {
		r.touch(name)
		return q
	}
	r.nextID++
	q := newQueue(name, r.nextID)
	r.byName[name] = q
	r.byID[q.QID] = q
	r.order = append([]string{name}, r.order...)
	return q
}

// Reclaim removes q from the registry if it is empty. Returns true if
// the queue was removed.
func (r *Registry) Reclaim(q *Queue) bool {
	if !q.Empty() {
		return false
	}
	delete(r.byName, q.Name)
	delete(r.byID, q.QID)
	for i, n := range r.order {
		if n == q.Name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) touch(name string) {
	for i, n := range r.order {
		if n == name {
			if i == 0 {
				return
			}
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.order = append([]string{name}, r.order...)
}

// ResetOrder restores name-lookup recency order back to qid order, as
// done on SIGHUP (spec §13, Open Question 1). Purely cosmetic: it has
// no effect on queue contents or consumer lists.
func (r *Registry) ResetOrder() {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	// stable-ish: order by ascending qid
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && r.byName[names[j-1]].QID > r.byName[names[j]].QID; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	r.order = names
}

// Names returns queue names in current recency order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of live queues.
func (r *Registry) Len() int { return len(r.byName) }
