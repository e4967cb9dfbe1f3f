package tasking

import "slices"

// reservations holds one FIFO queue of job ids per key. A job holds a key while it
// is at the head of that key's queue; it may run once it holds all of its keys.
// Callers must hold the dispatcher lock.
type reservations struct {
	queues map[string][]string
}

func newReservations() *reservations {
	return &reservations{queues: make(map[string][]string)}
}

// enqueue appends the job to every key queue in one step
func (r *reservations) enqueue(id string, keys []string) {
	for _, k := range keys {
		r.queues[k] = append(r.queues[k], id)
	}
}

// holdsAll reports whether the job is at the head of all its key queues
func (r *reservations) holdsAll(id string, keys []string) bool {
	return r.conflict(id, keys) == ""
}

// conflict returns the first key the job does not hold yet, or ""
func (r *reservations) conflict(id string, keys []string) string {
	for _, k := range keys {
		q := r.queues[k]
		if len(q) == 0 || q[0] != id {
			return k
		}
	}
	return ""
}

// remove drops the job from every key queue and returns the new heads of the
// queues it was removed from
func (r *reservations) remove(id string, keys []string) []string {
	var heads []string
	for _, k := range keys {
		q := r.queues[k]
		idx := slices.Index(q, id)
		if idx < 0 {
			continue
		}
		q = slices.Delete(q, idx, idx+1)
		if len(q) == 0 {
			delete(r.queues, k)
			continue
		}
		r.queues[k] = q
		if idx == 0 {
			heads = append(heads, q[0])
		}
	}
	return heads
}

// holder returns the id at the head of the key's queue
func (r *reservations) holder(key string) string {
	q := r.queues[key]
	if len(q) == 0 {
		return ""
	}
	return q[0]
}
