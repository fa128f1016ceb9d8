package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LiveSummary keeps a user's Summary fresh by reloading on every ledger
// event. Its subscription lives exactly as long as the LiveSummary.
type LiveSummary struct {
	userID  string
	sub     Subscription
	tracker *Tracker

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Watch subscribes to userID's ledger events, dispatches an initial load
// and reloads on each event until Close.
func Watch(ctx context.Context, notifier Notifier, userID string, load LoadFunc) (*LiveSummary, error) {
	sub, err := notifier.Subscribe(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &LiveSummary{
		userID:  userID,
		sub:     sub,
		tracker: NewTracker(load),
		cancel:  cancel,
	}

	l.tracker.Load(ctx, userID)

	l.wg.Add(1)
	go l.run(ctx, sub.Events())

	return l, nil
}

func (l *LiveSummary) run(ctx context.Context, events <-chan Event) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			zap.L().Debug("ledger changed, reloading summary", zap.String("user_id", l.userID), zap.String("entry_id", ev.EntryID))
			l.tracker.Load(ctx, l.userID)
		}
	}
}

// Current returns the latest applied View.
func (l *LiveSummary) Current() View {
	return l.tracker.View()
}

// Wait blocks until every reload dispatched so far has finished.
func (l *LiveSummary) Wait() {
	l.tracker.Wait()
}

// Close stops reloading and releases the subscription. Safe to call
// concurrently and repeatedly; the subscription is released once.
func (l *LiveSummary) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.sub.Close()
		l.wg.Wait()
		l.tracker.Stop()
	})
	return l.closeErr
}
