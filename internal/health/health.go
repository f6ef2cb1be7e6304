// Package health tracks overall proxy readiness as a count of outstanding
// blockers plus a single-shot watched boolean: readiness latches true the
// first time the blocker count reaches zero and never reverts.
package health

import (
	"net/http"
	"sync"
)

// Accumulator is a readiness gate fed by any number of independent
// components (discovery loops, registry sync, descriptor loads). Each
// component calls Add once and keeps the returned release func to signal
// it is no longer a blocker. The readiness boolean flips false->true at
// most once, the first time every outstanding blocker has released; later
// blockers registered after that point no longer affect Ready().
type Accumulator struct {
	mu       sync.Mutex
	blockers int
	ready    bool
	watchers []chan bool
}

// New returns an Accumulator and the release function for its one initial
// blocker. The caller is itself a readiness dependency: the handle starts
// not-ready until this release is called, on top of whatever additional
// blockers are registered with Add during startup.
func New() (*Accumulator, func()) {
	a := &Accumulator{blockers: 1}
	return a, a.release()
}

// Add registers a blocker. If blocks is true, readiness cannot latch true
// until the returned release function is called. The release function is
// idempotent and safe to call from any goroutine; calling it more than
// once has no further effect (fail-open on a duplicate release rather than
// going negative and reporting permanently ready).
func (a *Accumulator) Add(blocks bool) (release func()) {
	if !blocks {
		return func() {}
	}

	a.mu.Lock()
	a.blockers++
	a.mu.Unlock()

	return a.release()
}

// release returns an idempotent closure that decrements the blocker count
// and, the first time it reaches zero, latches ready.
func (a *Accumulator) release() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.blockers--
			flipped := a.blockers <= 0 && !a.ready
			if flipped {
				a.ready = true
			}
			a.mu.Unlock()

			if flipped {
				a.notify()
			}
		})
	}
}

// Ready reports whether readiness has latched true.
func (a *Accumulator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Watch returns a channel that receives true once, when readiness latches.
// The channel is buffered by one slot.
func (a *Accumulator) Watch() <-chan bool {
	ch := make(chan bool, 1)
	a.mu.Lock()
	a.watchers = append(a.watchers, ch)
	a.mu.Unlock()
	return ch
}

func (a *Accumulator) notify() {
	a.mu.Lock()
	watchers := make([]chan bool, len(a.watchers))
	copy(watchers, a.watchers)
	a.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- true:
		default:
		}
	}
}

// Endpoint returns an http.Handler suitable for mounting as /readyz: it
// answers 200 when ready and 503 otherwise.
func (a *Accumulator) Endpoint() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
}
