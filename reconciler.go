package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// reconciler is the only writer of the ordered message log. Mutations are
// sent to a single goroutine as requests, so the send path and the feed path
// never interleave inside one mutation.
//
// Every mutation carries the epoch of the activation that issued it. When the
// engine switches conversations it resets the log under a new epoch, and
// requests still in flight for the old conversation are dropped.
type reconciler struct {
	ops  chan logRequest
	quit chan struct{}
	once sync.Once
	log  zerolog.Logger

	// Owned by the run goroutine.
	epoch   uint64
	entries []Entry
	ids     map[string]struct{}

	obsMu     sync.Mutex
	observers []func([]Entry)
	latest    []Entry
	pending   bool
	signal    chan struct{}
}

type logRequest struct {
	epoch uint64
	any   bool // run regardless of epoch
	op    func(r *reconciler) bool
	done  chan bool
}

func newReconciler(log zerolog.Logger) *reconciler {
	r := &reconciler{
		ops:    make(chan logRequest),
		quit:   make(chan struct{}),
		log:    log,
		ids:    make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
	go r.run()
	go r.notifyLoop()
	return r
}

func (r *reconciler) run() {
	for {
		select {
		case <-r.quit:
			return
		case req := <-r.ops:
			select {
			case <-r.quit:
				req.done <- false
				return
			default:
			}
			changed := false
			if req.any || req.epoch == r.epoch {
				changed = req.op(r)
			} else {
				r.log.Debug().Uint64("epoch", req.epoch).Uint64("current", r.epoch).Msg("dropping stale log mutation")
			}
			req.done <- changed
			if changed {
				r.publish()
			}
		}
	}
}

func (r *reconciler) stop() {
	r.once.Do(func() { close(r.quit) })
}

func (r *reconciler) do(req logRequest) bool {
	req.done = make(chan bool, 1)
	select {
	case <-r.quit:
		return false
	default:
	}
	select {
	case r.ops <- req:
	case <-r.quit:
		return false
	}
	select {
	case ok := <-req.done:
		return ok
	case <-r.quit:
		return false
	}
}

// ── Operations ───────────────────────────────────────────

// reset clears the log and makes epoch current.
func (r *reconciler) reset(epoch uint64) {
	r.do(logRequest{any: true, op: func(r *reconciler) bool {
		r.epoch = epoch
		r.entries = nil
		r.ids = make(map[string]struct{})
		return true
	}})
}

// append adds e at the end unless its ID is already in the log.
func (r *reconciler) append(epoch uint64, e Entry) bool {
	return r.do(logRequest{epoch: epoch, op: func(r *reconciler) bool {
		if _, dup := r.ids[e.ID]; dup {
			r.log.Debug().Str("id", e.ID).Msg("duplicate append ignored")
			return false
		}
		r.entries = append(r.entries, e)
		r.ids[e.ID] = struct{}{}
		return true
	}})
}

// replace swaps the entry oldID for the confirmed msg at the same position.
// If msg.ID is already present elsewhere that copy is dropped, keeping IDs unique.
func (r *reconciler) replace(epoch uint64, oldID string, msg Message) bool {
	return r.do(logRequest{epoch: epoch, op: func(r *reconciler) bool {
		i := r.indexOf(oldID)
		if i < 0 {
			return false
		}
		if msg.ID != oldID {
			if j := r.indexOf(msg.ID); j >= 0 {
				r.entries = append(r.entries[:j], r.entries[j+1:]...)
				if j < i {
					i--
				}
			}
			delete(r.ids, oldID)
		}
		r.entries[i] = Entry{Message: msg, State: StateConfirmed}
		r.ids[msg.ID] = struct{}{}
		return true
	}})
}

func (r *reconciler) remove(epoch uint64, id string) bool {
	return r.do(logRequest{epoch: epoch, op: func(r *reconciler) bool {
		i := r.indexOf(id)
		if i < 0 {
			return false
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		delete(r.ids, id)
		return true
	}})
}

// load merges history into the log: history first, then every entry already
// present whose ID the history does not contain, in their existing order.
// Inserts that raced ahead of the history fetch therefore survive exactly once.
func (r *reconciler) load(epoch uint64, history []Message) bool {
	return r.do(logRequest{epoch: epoch, op: func(r *reconciler) bool {
		merged := make([]Entry, 0, len(history)+len(r.entries))
		ids := make(map[string]struct{}, len(history)+len(r.entries))
		for _, m := range history {
			if _, dup := ids[m.ID]; dup {
				continue
			}
			merged = append(merged, Entry{Message: m, State: StateConfirmed})
			ids[m.ID] = struct{}{}
		}
		for _, e := range r.entries {
			if _, dup := ids[e.ID]; dup {
				continue
			}
			merged = append(merged, e)
			ids[e.ID] = struct{}{}
		}
		r.entries = merged
		r.ids = ids
		return true
	}})
}

// merge appends the history messages whose IDs are not in the log, in history
// order. Entries already in the log keep their positions.
func (r *reconciler) merge(epoch uint64, history []Message) bool {
	return r.do(logRequest{epoch: epoch, op: func(r *reconciler) bool {
		changed := false
		for _, m := range history {
			if _, dup := r.ids[m.ID]; dup {
				continue
			}
			r.entries = append(r.entries, Entry{Message: m, State: StateConfirmed})
			r.ids[m.ID] = struct{}{}
			changed = true
		}
		return changed
	}})
}

func (r *reconciler) snapshot() []Entry {
	var out []Entry
	r.do(logRequest{any: true, op: func(r *reconciler) bool {
		out = r.copyEntries()
		return false
	}})
	return out
}

func (r *reconciler) indexOf(id string) int {
	if _, ok := r.ids[id]; !ok {
		return -1
	}
	for i := range r.entries {
		if r.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *reconciler) copyEntries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ── Observers ────────────────────────────────────────────

func (r *reconciler) subscribe(fn func([]Entry)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// publish hands the newest snapshot to the notify goroutine. Snapshots that
// are not yet delivered are coalesced; observers always see the latest log.
func (r *reconciler) publish() {
	snap := r.copyEntries()
	r.obsMu.Lock()
	r.latest = snap
	r.pending = true
	r.obsMu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *reconciler) notifyLoop() {
	for {
		select {
		case <-r.quit:
			return
		case <-r.signal:
		}
		r.obsMu.Lock()
		if !r.pending {
			r.obsMu.Unlock()
			continue
		}
		snap := r.latest
		r.pending = false
		handlers := append([]func([]Entry){}, r.observers...)
		r.obsMu.Unlock()

		for _, h := range handlers {
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error().Interface("panic", p).Msg("log observer panicked")
					}
				}()
				h(snap)
			}()
		}
	}
}
