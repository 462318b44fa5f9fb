// Package natsbridge forwards status events to NATS JetStream and keeps a
// per-entity status snapshot in a JetStream key-value bucket.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/retry"
)

const retryTarget = "nats"

// Transport is the slice of JetStream the bridge writes to.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PutSnapshot(ctx context.Context, key string, data []byte) error
	Close() error
}

// Snapshot is the value stored per entity in the status bucket.
type Snapshot struct {
	EntityID             string    `json:"entity_id"`
	Kind                 string    `json:"kind"`
	Status               string    `json:"status"`
	ConfigurationID      int       `json:"configuration_id,omitempty"`
	Revision             int       `json:"revision,omitempty"`
	GroupConfigurationID int       `json:"group_configuration_id,omitempty"`
	BuildClass           string    `json:"build_class,omitempty"`
	Message              string    `json:"message,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Bridge subscribes to a dispatcher and mirrors every event to NATS.
type Bridge struct {
	transport Transport
	prefix    string
	policy    retry.Policy
	timeout   time.Duration
	recorder  metrics.Recorder
	logger    *slog.Logger
	subs      []*notify.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(b *Bridge) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Bridge over an established transport.
func New(transport Transport, cfg config.NATSConfig, opts ...Option) *Bridge {
	b := &Bridge{
		transport: transport,
		prefix:    cfg.SubjectPrefix,
		policy:    retry.FromConfig(cfg.Retry),
		timeout:   5 * time.Second,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
	}
	if b.prefix == "" {
		b.prefix = "buildcoord"
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subject returns the subject an event is published on.
func (b *Bridge) Subject(evt notify.Event) string {
	return b.prefix + "." + entityPrefix(evt.Kind) + "." + evt.EntityID
}

func entityPrefix(kind notify.Kind) string {
	if kind == notify.KindGroupBuildStatusChanged {
		return "group"
	}
	return "build"
}

// Attach subscribes the bridge to both event kinds.
func (b *Bridge) Attach(d *notify.Dispatcher) error {
	for _, kind := range []notify.Kind{notify.KindBuildStatusChanged, notify.KindGroupBuildStatusChanged} {
		sub, err := d.Subscribe(kind, b.Forward)
		if err != nil {
			b.detach()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *Bridge) detach() {
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	b.subs = nil
}

// Close detaches from the dispatcher and closes the transport.
func (b *Bridge) Close() error {
	b.detach()
	return b.transport.Close()
}

// Forward publishes evt and updates its entity's snapshot, retrying
// transient failures.
func (b *Bridge) Forward(ctx context.Context, evt notify.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal event").Build()
	}
	subject := b.Subject(evt)
	if err := b.withRetry(ctx, subject, func(ctx context.Context) error {
		return b.transport.Publish(ctx, subject, data)
	}); err != nil {
		return err
	}

	snap, err := json.Marshal(Snapshot{
		EntityID:             evt.EntityID,
		Kind:                 string(evt.Kind),
		Status:               string(evt.NewStatus),
		ConfigurationID:      evt.ConfigurationID,
		Revision:             evt.Revision,
		GroupConfigurationID: evt.GroupConfigurationID,
		BuildClass:           string(evt.BuildClass),
		Message:              evt.Message,
		UpdatedAt:            evt.Timestamp,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal snapshot").Build()
	}
	key := entityPrefix(evt.Kind) + "." + evt.EntityID
	return b.withRetry(ctx, key, func(ctx context.Context) error {
		return b.transport.PutSnapshot(ctx, key, snap)
	})
}

func (b *Bridge) withRetry(ctx context.Context, target string, fn func(context.Context) error) error {
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return fn(cctx)
	}, func(attempt int, err error) {
		b.recorder.IncPublishRetry(retryTarget)
		b.logger.Debug("Retrying NATS write",
			slog.String("target", target),
			slog.Int("attempt", attempt),
			logfields.Error(err))
	})
	if err != nil {
		b.recorder.IncPublishRetryExhausted(retryTarget)
		b.logger.Warn("NATS write failed",
			slog.String("target", target),
			logfields.Error(err))
	}
	return err
}
