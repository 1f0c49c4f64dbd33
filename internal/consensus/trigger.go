package consensus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VeltarosLabs/stakechain/internal/blockchain"
)

const (
	DefaultRoundInterval = 5 * time.Second
	DefaultNotifyBuffer  = 4
)

type NotificationKind uint8

const (
	NotifyPropose NotificationKind = iota + 1
	NotifyCommitted
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyPropose:
		return "propose"
	case NotifyCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

type Notification struct {
	Kind NotificationKind

	// Tick is the trigger tick that produced a propose notification.
	Tick uint64

	// Tip is the newly committed block, for committed notifications.
	Tip blockchain.Block
}

// Subscription is a session's private notification channel.
type Subscription struct {
	id     uint64
	ch     chan Notification
	closed atomic.Bool

	// C receives notifications. It is closed by the trigger once the
	// subscription has been pruned or the trigger has stopped.
	C <-chan Notification
}

// Close deregisters the subscription. The trigger prunes it, and closes C,
// on its next fan-out.
func (s *Subscription) Close() {
	s.closed.Store(true)
}

// FanoutResult counts what happened to one notification.
type FanoutResult struct {
	Delivered int
	Dropped   int
	Pruned    int
}

type TriggerConfig struct {
	// Interval between propose fan-outs. Zero disables the ticker;
	// fan-outs then only happen through Fire.
	Interval time.Duration

	// Buffer is the capacity of each subscription channel.
	Buffer int
}

// Trigger fans notifications out to every live subscription.
// Sends never block: a full subscription misses the notification.
type Trigger struct {
	log *slog.Logger
	cfg TriggerConfig

	mu      sync.Mutex
	stopped bool
	subs    map[uint64]*Subscription
	nextID  uint64
	ticks   uint64

	done chan struct{}
}

func NewTrigger(ctx context.Context, log *slog.Logger, cfg TriggerConfig) *Trigger {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultNotifyBuffer
	}

	t := &Trigger{
		log:  log,
		cfg:  cfg,
		subs: make(map[uint64]*Subscription),
		done: make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

// Wait blocks until the trigger has stopped after its context was canceled.
func (t *Trigger) Wait() {
	<-t.done
}

func (t *Trigger) run(ctx context.Context) {
	defer close(t.done)
	defer t.stop()

	if t.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := t.Fire()
			t.log.Debug("round trigger fired",
				"delivered", res.Delivered,
				"dropped", res.Dropped,
				"pruned", res.Pruned,
			)
		}
	}
}

func (t *Trigger) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, s := range t.subs {
		close(s.ch)
		delete(t.subs, id)
	}
}

// Subscribe registers a new subscription.
// After the trigger has stopped, the returned subscription is already closed.
func (t *Trigger) Subscribe() *Subscription {
	ch := make(chan Notification, t.cfg.Buffer)
	s := &Subscription{ch: ch, C: ch}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		s.closed.Store(true)
		close(ch)
		return s
	}

	t.nextID++
	s.id = t.nextID
	t.subs[s.id] = s
	return s
}

// SubscriberCount returns the number of registered subscriptions,
// including closed ones not yet pruned.
func (t *Trigger) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Fire sends a propose notification to every subscription now.
func (t *Trigger) Fire() FanoutResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ticks++
	return t.fanoutLocked(Notification{Kind: NotifyPropose, Tick: t.ticks})
}

// NotifyCommitted tells every subscription about the new tip.
func (t *Trigger) NotifyCommitted(tip blockchain.Block) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.fanoutLocked(Notification{Kind: NotifyCommitted, Tip: tip})
	t.log.Debug("tip broadcast",
		"height", tip.Index,
		"delivered", res.Delivered,
		"dropped", res.Dropped,
		"pruned", res.Pruned,
	)
}

func (t *Trigger) fanoutLocked(n Notification) FanoutResult {
	var res FanoutResult
	if t.stopped {
		return res
	}

	for id, s := range t.subs {
		if s.closed.Load() {
			close(s.ch)
			delete(t.subs, id)
			res.Pruned++
			t.log.Debug("notification dropped: subscription closed, pruned",
				"subscription", id,
				"kind", n.Kind.String(),
			)
			continue
		}

		select {
		case s.ch <- n:
			res.Delivered++
		default:
			res.Dropped++
			t.log.Warn("notification dropped: subscriber not keeping up",
				"subscription", id,
				"kind", n.Kind.String(),
			)
		}
	}
	return res
}
