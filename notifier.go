package helio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Notifier wakes idle workers when new queue items become due.
type Notifier interface {
	Notify()
	C() <-chan struct{}
}

// ChannelNotifier is an in-process Notifier. Notifications are coalesced:
// when the buffer is full a wake-up is already pending.
type ChannelNotifier struct {
	ch chan struct{}
}

func NewChannelNotifier(capacity int) *ChannelNotifier {
	if capacity < 1 {
		capacity = 1
	}

	return &ChannelNotifier{ch: make(chan struct{}, capacity)}
}

func (n *ChannelNotifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *ChannelNotifier) C() <-chan struct{} {
	return n.ch
}

// PGNotifier forwards PostgreSQL NOTIFY messages on the queue channel to a
// local notifier, so workers of every process wake up on enqueue.
type PGNotifier struct {
	listener *pq.Listener
	local    Notifier
	logger   *slog.Logger
}

func NewPGNotifier(dsn string, local Notifier, logger *slog.Logger) (*PGNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("[helio] queue listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(queueChannel); err != nil {
		_ = listener.Close()

		return nil, fmt.Errorf("listen %s: %w", queueChannel, err)
	}

	return &PGNotifier{listener: listener, local: local, logger: logger}, nil
}

// Run forwards notifications until ctx is done.
func (n *PGNotifier) Run(ctx context.Context) error {
	defer func() {
		if err := n.listener.Close(); err != nil {
			n.logger.Error("[helio] close queue listener", "error", err)
		}
	}()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.listener.Notify:
			// A nil notification follows a reconnect; queued work may have been missed.
			n.local.Notify()
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn("[helio] queue listener ping failed", "error", err)
			}
		}
	}
}
