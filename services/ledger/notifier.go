package ledger

//go:generate mockgen -source=notifier.go -destination=mock_notifier_test.go -package=ledger

import (
	"context"
	"encoding/json"
	"sync"

	"creator-payouts/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriptionBuffer = 16

// Subscription is a live feed of one user's ledger events. Close releases
// it and may be called any number of times.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// RedisNotifier fans events out over redis pub/sub, one channel per user.
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, rediskey.BuildLedgerChannel(ev.UserID), payload).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	ps := n.rdb.Subscribe(ctx, rediskey.BuildLedgerChannel(userID))
	// wait for the subscription confirmation so no event published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Event, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}

	once sync.Once
	err  error
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			zap.L().Warn("dropping malformed ledger event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

// MemoryNotifier is an in-process Notifier. Slow subscribers lose events
// rather than block publishers; every event only triggers a full reload.
type MemoryNotifier struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (n *MemoryNotifier) Publish(ctx context.Context, ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub := range n.subs[ev.UserID] {
		select {
		case sub.events <- ev:
		default:
			zap.L().Debug("ledger event dropped for slow subscriber", zap.String("user_id", ev.UserID))
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	sub := &memorySubscription{
		n:      n,
		userID: userID,
		events: make(chan Event, subscriptionBuffer),
	}

	n.mu.Lock()
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[*memorySubscription]struct{})
	}
	n.subs[userID][sub] = struct{}{}
	n.mu.Unlock()

	return sub, nil
}

// Subscribers returns the number of open subscriptions for userID.
func (n *MemoryNotifier) Subscribers(userID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[userID])
}

type memorySubscription struct {
	n      *MemoryNotifier
	userID string
	events chan Event
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.n.mu.Lock()
		defer s.n.mu.Unlock()
		delete(s.n.subs[s.userID], s)
		if len(s.n.subs[s.userID]) == 0 {
			delete(s.n.subs, s.userID)
		}
		close(s.events)
	})
	return nil
}
