package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/pipe-storage/internal/port"
)

var (
	relayPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipestorage",
		Subsystem: "relay",
		Name:      "published_total",
		Help:      "Notification intents handed to the delivery transport.",
	}, []string{"type"})

	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pipestorage",
		Subsystem: "relay",
		Name:      "failures_total",
		Help:      "Relay ticks that ended with an error.",
	})
)

type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxBackoff   time.Duration
	Logger       *logrus.Entry
}

func (o *RelayOptions) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

// NotificationRelay is the delivery side of the notification intents: it
// drains unprocessed intents to a publisher and flips them to processed.
// Delivery is at least once; an intent whose mark fails is published again.
type NotificationRelay struct {
	store     port.Store
	publisher port.NotificationPublisher
	opts      RelayOptions
}

func NewNotificationRelay(store port.Store, publisher port.NotificationPublisher, opts RelayOptions) (*NotificationRelay, error) {
	if store == nil {
		return nil, errors.New("relay: store is required")
	}
	if publisher == nil {
		return nil, errors.New("relay: publisher is required")
	}
	opts.setDefaults()
	return &NotificationRelay{store: store, publisher: publisher, opts: opts}, nil
}

// Run polls until ctx is done. Consecutive failures back off exponentially up
// to MaxBackoff.
func (r *NotificationRelay) Run(ctx context.Context) error {
	r.opts.Logger.WithField("poll_interval", r.opts.PollInterval.String()).Info("relay: started")
	failures := 0
	for {
		wait := r.opts.PollInterval
		if failures > 0 {
			wait = backoff(failures, r.opts.PollInterval, r.opts.MaxBackoff)
		}
		select {
		case <-ctx.Done():
			r.opts.Logger.Info("relay: stopped")
			return ctx.Err()
		case <-time.After(wait):
		}

		n, err := r.ProcessOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failures++
			relayFailures.Inc()
			r.opts.Logger.WithError(err).WithField("published", n).Warn("relay: tick failed")
			continue
		}
		failures = 0
		if n > 0 {
			r.opts.Logger.WithField("published", n).Debug("relay: batch published")
		}
	}
}

// ProcessOnce publishes one batch. Intents published before a failure are
// still marked processed.
func (r *NotificationRelay) ProcessOnce(ctx context.Context) (int, error) {
	published := 0
	var publishErr error
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		intents, err := tx.ClaimNotificationIntents(ctx, r.opts.BatchSize)
		if err != nil {
			return err
		}
		for _, n := range intents {
			if err := r.publisher.Publish(ctx, n); err != nil {
				publishErr = fmt.Errorf("publish %s %s: %w", n.Type, n.ID, err)
				break
			}
			if err := tx.MarkNotificationProcessed(ctx, n.ID); err != nil {
				return err
			}
			relayPublished.WithLabelValues(string(n.Type)).Inc()
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return published, publishErr
}

func backoff(failures int, base, maxBackoff time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(failures-1)))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
