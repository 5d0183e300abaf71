package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"girder/internal/ledger"
	"girder/internal/platform/config"
	"girder/internal/platform/metrics"
)

// Envelope is the wire shape of one realtime signal.
type Envelope struct {
	EntryID   string `json:"entry_id"`
	OrgID     string `json:"org_id"`
	EventName string `json:"event_name"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Outcome   string `json:"outcome"`
	Seq       int64  `json:"seq"`
	CreatedAt string `json:"created_at"`
}

// Publisher produces ledger signals to Kafka, throttled per organization.
type Publisher struct {
	client  *kgo.Client
	topic   string
	limiter *RateLimiter

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithMetrics sets the publisher's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher connects to the brokers and ensures the signal topic exists.
// Returns (nil, nil) when no brokers are configured, which disables the
// realtime path entirely.
func NewPublisher(ctx context.Context, cfg config.KafkaConfig, limiter *RateLimiter, opts ...Option) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProduceRequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		client:  client,
		topic:   cfg.Topic,
		limiter: limiter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.ensureTopic(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

// ensureTopic creates the signal topic if the cluster does not know it yet.
func (p *Publisher) ensureTopic(ctx context.Context) error {
	admin := kadm.NewClient(p.client)
	resp, err := admin.CreateTopic(ctx, -1, -1, nil, p.topic)
	if err != nil {
		return err
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return resp.Err
	}
	return nil
}

// Publish fans one committed ledger entry out to the topic. Fire-and-forget:
// rate-limited entries are counted and dropped, produce errors are logged,
// and nothing propagates back to the command path.
func (p *Publisher) Publish(ctx context.Context, entry *ledger.Entry) {
	if p == nil {
		return
	}
	if p.limiter != nil && !p.limiter.Allow(ctx, entry.OrgID) {
		if p.metrics != nil {
			p.metrics.SignalsThrottled.Inc()
		}
		return
	}

	value, err := json.Marshal(Envelope{
		EntryID:   entry.ID,
		OrgID:     entry.OrgID,
		EventName: string(entry.EventName),
		Category:  string(entry.Category),
		Severity:  string(entry.Severity),
		Outcome:   string(entry.Outcome),
		Seq:       entry.Seq,
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "signal encode failed",
			"entry_id", entry.ID,
			"error", err.Error(),
		)
		return
	}

	record := &kgo.Record{Key: []byte(entry.OrgID), Value: value}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.WarnContext(ctx, "signal produce failed",
				"entry_id", entry.ID,
				"error", err.Error(),
			)
			return
		}
		if p.metrics != nil {
			p.metrics.SignalsPublished.Inc()
		}
	})
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
