package natsbridge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
)

// JetStream is the Transport backed by a live NATS connection.
type JetStream struct {
	conn *nats.Conn
	js   jetstream.JetStream
	kv   jetstream.KeyValue
}

// Connect dials NATS and ensures the event stream and status bucket exist.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("buildcoord"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", logfields.URL(c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to connect to NATS").
			WithContext("url", cfg.URL).
			Build()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to create JetStream context").Build()
	}

	t := &JetStream{conn: conn, js: js}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Build coordinator status events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		MaxAge:      7 * 24 * time.Hour,
	}); err != nil {
		conn.Close()
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to ensure event stream").
			WithContext("stream", cfg.Stream).
			Build()
	}

	if err := t.initKVBucket(ctx, cfg.KVBucket, logger); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("NATS bridge connected",
		logfields.URL(cfg.URL),
		slog.String("stream", cfg.Stream),
		slog.String("kv_bucket", cfg.KVBucket))
	return t, nil
}

// initKVBucket creates or gets the status snapshot bucket.
func (t *JetStream) initKVBucket(ctx context.Context, bucket string, logger *slog.Logger) error {
	kv, err := t.js.KeyValue(ctx, bucket)
	if err == nil {
		t.kv = kv
		return nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to open KV bucket").
			WithContext("bucket", bucket).
			Build()
	}

	kv, err = t.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest status per build and group build",
		History:     1,
		TTL:         30 * 24 * time.Hour,
	})
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to create KV bucket").
			WithContext("bucket", bucket).
			Build()
	}
	t.kv = kv
	logger.Info("Created KV bucket for status snapshots", slog.String("bucket", bucket))
	return nil
}

// Publish implements Transport.
func (t *JetStream) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := t.js.Publish(ctx, subject, data); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to publish event").
			WithContext("subject", subject).
			Retryable().
			Build()
	}
	return nil
}

// PutSnapshot implements Transport.
func (t *JetStream) PutSnapshot(ctx context.Context, key string, data []byte) error {
	if _, err := t.kv.Put(ctx, key, data); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "failed to put status snapshot").
			WithContext("key", key).
			Retryable().
			Build()
	}
	return nil
}

// Snapshot reads the stored snapshot for key, or nil when absent.
func (t *JetStream) Snapshot(ctx context.Context, key string) ([]byte, error) {
	entry, err := t.kv.Get(ctx, key)
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryNetwork, "failed to get status snapshot").
			WithContext("key", key).
			Build()
	}
	return entry.Value(), nil
}

// Close drains the connection.
func (t *JetStream) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}
