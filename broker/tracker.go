// Package broker multiplexes one capture device to many virtual camera
// clients: it tracks outstanding frame reference counts, paces paced
// clients with a swap-deque of frame requests, fans out stream events,
// and arbitrates exclusive control of device parameters.
package broker

import "log/slog"

// frameRecord tracks one outstanding frame by its device-assigned buffer
// id. A record with refCount zero is a free slot.
type frameRecord struct {
	id       uint32
	refCount int
}

// frameTracker is a compact linear table of outstanding frames. Lookup
// is a scan; the table is bounded by the hardware buffer count. Callers
// synchronize access (the broker lock).
type frameTracker struct {
	log     *slog.Logger
	records []frameRecord
}

func newFrameTracker(log *slog.Logger) *frameTracker {
	return &frameTracker{log: log}
}

// register stores the id in the first free slot, or appends.
func (t *frameTracker) register(id uint32, refCount int) {
	for i := range t.records {
		if t.records[i].refCount == 0 {
			t.records[i] = frameRecord{id: id, refCount: refCount}
			return
		}
	}
	t.records = append(t.records, frameRecord{id: id, refCount: refCount})
}

// decrement lowers the reference count for id. It reports whether the
// record was found and whether this decrement freed it. An absent id is
// logged and ignored.
func (t *frameTracker) decrement(id uint32) (freed, found bool) {
	for i := range t.records {
		if t.records[i].refCount > 0 && t.records[i].id == id {
			t.records[i].refCount--
			return t.records[i].refCount == 0, true
		}
	}
	t.log.Error("frame returned with an unrecognized id", "id", id)
	return false, false
}

// live returns the number of records with a positive reference count.
func (t *frameTracker) live() int {
	n := 0
	for i := range t.records {
		if t.records[i].refCount > 0 {
			n++
		}
	}
	return n
}

// resize compacts the live records into a fresh table sized for the new
// capacity, preserving their order. Live records are never dropped: if
// more are live than the new capacity allows, the shrink below the live
// count is refused and the table keeps all of them.
func (t *frameTracker) resize(capacity int) {
	fresh := make([]frameRecord, 0, capacity)
	for _, rec := range t.records {
		if rec.refCount > 0 {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) > capacity {
		t.log.Warn("more frames in use than the requested capacity",
			"live", len(fresh), "capacity", capacity)
	}
	t.records = fresh
}
