// Package natsbridge relays consumed row batches onto NATS JetStream, so
// downstream systems can fan out on a subscription's data without talking
// to the store. Each batch becomes one JSON envelope published under
// <prefix>.<topic>.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/querytail/querytail/pkg/backend"
	"github.com/querytail/querytail/pkg/idgen"
	"github.com/querytail/querytail/pkg/observability"
	"github.com/querytail/querytail/pkg/subscription"
	"github.com/querytail/querytail/pkg/watermark"
)

// Envelope is the JSON message published for one consumed batch.
type Envelope struct {
	// ID identifies this envelope. Redelivered batches get fresh ids;
	// consumers deduplicate on (entity, key).
	ID string `json:"id"`

	// Topic is the subscription topic the batch came from.
	Topic string `json:"topic"`

	// EmittedAt is when the envelope was built.
	EmittedAt time.Time `json:"emitted_at"`

	// TraceID carries the publishing trace, when one is active.
	TraceID string `json:"trace_id,omitempty"`

	// Columns names the row values, in projection order.
	Columns []string `json:"columns"`

	Rows []EnvelopeRow `json:"rows"`
}

// EnvelopeRow is one consumed row.
type EnvelopeRow struct {
	Entity int64          `json:"entity"`
	Key    int64          `json:"key"`
	Values map[string]any `json:"values"`
}

// HighWatermarks returns the highest key per entity in the batch: the
// entries to acknowledge once the batch is durably handed off.
func (e *Envelope) HighWatermarks() []watermark.Entry {
	if e == nil || len(e.Rows) == 0 {
		return nil
	}
	high := make(map[watermark.EntityID]watermark.Key, 4)
	for _, r := range e.Rows {
		id, key := watermark.EntityID(r.Entity), watermark.Key(r.Key)
		if cur, ok := high[id]; !ok || key > cur {
			high[id] = key
		}
	}
	out := make([]watermark.Entry, 0, len(high))
	for id, key := range high {
		out = append(out, watermark.Entry{Entity: id, Key: key})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Config holds configuration for the forwarder.
type Config struct {
	// URL is the NATS server URL
	URL string

	// SubjectPrefix is prepended to the topic to form the publish subject
	SubjectPrefix string

	// StreamName is the JetStream stream envelopes are published into
	StreamName string

	// MaxAge is how long to retain envelopes in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the forwarder.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "querytail",
		StreamName:    "QUERYTAIL",
		MaxAge:        24 * time.Hour,
		MaxBytes:      256 * 1024 * 1024, // 256 MB
	}
}

// Forwarder publishes consumed batches to NATS JetStream.
type Forwarder struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	logger *slog.Logger
}

// NewForwarder connects to NATS and ensures the envelope stream exists.
func NewForwarder(config Config) (*Forwarder, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	f := &Forwarder{
		nc:     nc,
		js:     js,
		prefix: config.SubjectPrefix,
		logger: config.Logger,
	}

	if err := f.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return f, nil
}

// ensureStream creates or updates the JetStream stream that captures
// every subject under the forwarder's prefix.
func (f *Forwarder) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.SubjectPrefix + ".>"},
		Retention: nats.InterestPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := f.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err = f.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err = f.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}

	return nil
}

// Forward drains rows into an envelope and publishes it under
// <prefix>.<topic>. The rows are consumed either way; an iteration error
// suppresses the publish so nothing partial goes out. Empty batches are
// not published. The caller still owns watermark acknowledgement; use the
// envelope's HighWatermarks once the publish has succeeded.
func (f *Forwarder) Forward(ctx context.Context, topic string, rows backend.Rows) (*Envelope, error) {
	env := &Envelope{
		ID:        idgen.CycleID(),
		Topic:     topic,
		EmittedAt: time.Now().UTC(),
		TraceID:   observability.TraceID(ctx),
	}

	for rows.Next() {
		if env.Columns == nil {
			env.Columns = rows.Columns()
		}
		vals := make([]any, len(env.Columns))
		ptrs := make([]any, len(env.Columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to read batch row: %w", err)
		}
		values := make(map[string]any, len(env.Columns))
		for i, col := range env.Columns {
			values[col] = vals[i]
		}
		env.Rows = append(env.Rows, EnvelopeRow{
			Entity: int64(rows.Entity()),
			Key:    int64(rows.Key()),
			Values: values,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch failed mid-iteration: %w", err)
	}
	if len(env.Rows) == 0 {
		return env, nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	subject := f.prefix + "." + topic
	observability.SetSpanAttributes(ctx,
		observability.AttrSubject.String(subject),
		observability.AttrRowCount.Int(len(env.Rows)),
	)
	if _, err := f.js.Publish(subject, payload, nats.MsgId(env.ID)); err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	f.logger.Debug("batch forwarded", "subject", subject, "envelope", env.ID, "rows", len(env.Rows))
	return env, nil
}

// Callback adapts the forwarder into a push-mode delivery target: each
// batch is published, and only after a successful publish are the
// subscription's watermarks advanced, so failed publishes are redelivered
// on a later cycle.
func (f *Forwarder) Callback() subscription.Callback {
	return func(sub *subscription.Subscription, rows backend.Rows) {
		defer rows.Close()

		env, err := f.Forward(context.Background(), sub.Topic(), rows)
		if err != nil {
			f.logger.Error("failed to forward batch, keeping watermarks", "topic", sub.Topic(), "error", err)
			return
		}
		for _, e := range env.HighWatermarks() {
			sub.AdvanceProgress(e.Entity, e.Key)
		}
	}
}

// Close closes the NATS connection.
func (f *Forwarder) Close() error {
	f.nc.Close()
	return nil
}
