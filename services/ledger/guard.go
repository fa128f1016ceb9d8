package ledger

import (
	"context"
	"sync"
)

// Guard lets only the most recently dispatched request publish its result.
// Older results are dropped silently.
type Guard struct {
	mu     sync.Mutex
	latest uint64
}

// Next dispatches a new request and returns its ticket. Every earlier
// ticket is stale from this point on.
func (g *Guard) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest++
	return g.latest
}

// Apply runs fn only if ticket is still the latest, holding the guard so a
// newer dispatch cannot interleave with the write. It reports whether fn ran.
func (g *Guard) Apply(ticket uint64, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ticket != g.latest {
		return false
	}
	fn()
	return true
}

// LoadFunc fetches and aggregates one user's ledger.
type LoadFunc func(ctx context.Context, userID string) (*Summary, error)

// View is the externally visible state a Tracker maintains.
type View struct {
	UserID  string
	Summary *Summary
	Err     error
}

// Tracker keeps a single View current while the subject user changes
// faster than loads complete. A new Load cancels the previous one and only
// the latest load may update the View.
type Tracker struct {
	load  LoadFunc
	guard Guard

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	viewMu sync.RWMutex
	view   View
}

func NewTracker(load LoadFunc) *Tracker {
	return &Tracker{load: load}
}

// Load dispatches an aggregation for userID and returns immediately.
func (t *Tracker) Load(ctx context.Context, userID string) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	ticket := t.guard.Next()
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()

		summary, err := t.load(ctx, userID)
		t.guard.Apply(ticket, func() {
			t.viewMu.Lock()
			t.view = View{UserID: userID, Summary: summary, Err: err}
			t.viewMu.Unlock()
		})
	}()
}

func (t *Tracker) View() View {
	t.viewMu.RLock()
	defer t.viewMu.RUnlock()
	return t.view
}

// Wait blocks until every dispatched load has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// Stop cancels the in-flight load, if any, and waits for it.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}
