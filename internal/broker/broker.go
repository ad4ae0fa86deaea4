// Package broker adapts the three logical queues (crawl, parse, priority)
// from spec.md §4.3 onto NATS JetStream: durable, mirrored streams with
// explicit acknowledgement and per-consumer prefetch, reusing the
// teacher's natsctx trace-propagation idiom for every publish/consume.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/crawlord/internal/apperr"
	"github.com/swarmguard/crawlord/internal/resilience"
)

const (
	publishMaxAttempts   = 3
	publishRetryBaseDelay = 50 * time.Millisecond
)

const (
	StreamCrawl    = "CRAWL_QUEUE"
	StreamParse    = "PARSE_QUEUE"
	StreamPriority = "PRIORITY_QUEUE"

	SubjectCrawl    = "crawlord.crawl"
	SubjectParse    = "crawlord.parse"
	SubjectPriority = "crawlord.priority"
)

var tracePropagator = propagation.TraceContext{}

// CrawlJob is the crawl/priority queue payload: the task id and the
// minimum context a crawler worker needs without re-querying the Task
// Store.
type CrawlJob struct {
	TaskID      string `json:"task_id"`
	URL         string `json:"url"`
	HostID      string `json:"host_id"`
	Priority    int    `json:"priority"`
	ProxyHandle string `json:"proxy_handle,omitempty"`
	Attempt     int    `json:"attempt"`
}

// ParseJob is the parse queue payload.
type ParseJob struct {
	TaskID    string `json:"task_id"`
	HostID    string `json:"host_id"`
	BlobRef   string `json:"blob_ref"`
	ParserTag string `json:"parser_tag"`
	Attempt   int    `json:"attempt"`
}

// Config carries the per-queue durability knobs from SPEC_FULL.md §6.3.
type Config struct {
	Prefetch     int
	MaxLength    int64
	TTLWork      time.Duration
	TTLPriority  time.Duration
	Replicas     int
}

// DefaultConfig mirrors spec.md §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		Prefetch:    10,
		MaxLength:   100000,
		TTLWork:     24 * time.Hour,
		TTLPriority: time.Hour,
		Replicas:    3,
	}
}

// Broker is the JetStream-backed adapter.
type Broker struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

// Connect dials NATS and ensures the three durable, mirrored streams
// exist, creating or updating them to match cfg.
func Connect(url string, cfg Config) (*Broker, error) {
	nc, err := nats.Connect(url, nats.Name("crawlord-dispatcher"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}
	b := &Broker{nc: nc, js: js, cfg: cfg}
	if err := b.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStreams() error {
	specs := []struct {
		name    string
		subject string
		ttl     time.Duration
	}{
		{StreamCrawl, SubjectCrawl, b.cfg.TTLWork},
		{StreamParse, SubjectParse, b.cfg.TTLWork},
		{StreamPriority, SubjectPriority, b.cfg.TTLPriority},
	}
	for _, sp := range specs {
		streamCfg := &nats.StreamConfig{
			Name:      sp.name,
			Subjects:  []string{sp.subject},
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			MaxAge:    sp.ttl,
			MaxMsgs:   b.cfg.MaxLength,
			Replicas:  b.cfg.Replicas,
		}
		if _, err := b.js.AddStream(streamCfg); err != nil {
			if _, uerr := b.js.UpdateStream(streamCfg); uerr != nil {
				return fmt.Errorf("broker: ensure stream %s: %w", sp.name, err)
			}
		}
	}
	return nil
}

// Close drains and closes the connection.
func (b *Broker) Close() error {
	return b.nc.Drain()
}

// PublishCrawlJob routes the job to priority_queue when priority ≤ 2,
// crawl_queue otherwise, injecting the caller's trace context into the
// message header the way natsctx.Publish does for plain NATS messages.
func (b *Broker) PublishCrawlJob(ctx context.Context, job CrawlJob) error {
	subject := SubjectCrawl
	if job.Priority <= 2 {
		subject = SubjectPriority
	}
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "marshal crawl job")
	}
	return b.publish(ctx, subject, data)
}

// PublishParseJob publishes to parse_queue.
func (b *Broker) PublishParseJob(ctx context.Context, job ParseJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "marshal parse job")
	}
	return b.publish(ctx, SubjectParse, data)
}

// publish sends msg, retrying transient JetStream failures (e.g. a
// leader election in progress) with exponential backoff before giving up.
func (b *Broker) publish(ctx context.Context, subject string, data []byte) error {
	hdr := nats.Header{}
	tracePropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	_, err := resilience.Retry(ctx, publishMaxAttempts, publishRetryBaseDelay, func() (*nats.PubAck, error) {
		return b.js.PublishMsg(msg, nats.Context(ctx))
	})
	if err != nil {
		return apperr.Wrap(err, apperr.KindBrokerUnavailable, "publish failed").WithDetails(subject)
	}
	return nil
}

// Ack and Nak settle a delivered message: Ack confirms processing; Nak
// triggers redelivery (parser worker's transient-failure path).
type Ack func()
type Nak func()

// ConsumeHandler is invoked per delivered message on a decoded payload of
// type T, given ack/nak callbacks; called by the crawler/parser worker
// collaborators this package exposes an adapter for.
type ConsumeHandler[T any] func(ctx context.Context, payload T, ack Ack, nak Nak)

// ConsumeCrawlJobs starts a durable pull consumer on crawl_queue and
// priority_queue's combined subject set, honoring the configured prefetch
// (MaxAckPending) and dispatching decoded CrawlJob payloads to handler.
// Returns an unsubscribe function.
func (b *Broker) ConsumeCrawlJobs(ctx context.Context, durableName string, handler ConsumeHandler[CrawlJob]) (func(), error) {
	return b.consume(ctx, []string{SubjectCrawl, SubjectPriority}, durableName, handler)
}

// ConsumeParseJobs starts a durable pull consumer on parse_queue.
func (b *Broker) ConsumeParseJobs(ctx context.Context, durableName string, handler ConsumeHandler[ParseJob]) (func(), error) {
	return b.consume(ctx, []string{SubjectParse}, durableName, handler)
}

func (b *Broker) consume(ctx context.Context, subjects []string, durableName string, handlerDispatch interface{}) (func(), error) {
	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := b.js.PullSubscribe(subject, durableName,
			nats.MaxAckPending(b.cfg.Prefetch),
			nats.ManualAck(),
		)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, apperr.Wrap(err, apperr.KindBrokerUnavailable, "pull subscribe").WithDetails(subject)
		}
		subs = append(subs, sub)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			for _, sub := range subs {
				msgs, err := sub.Fetch(1, nats.MaxWait(500*time.Millisecond))
				if err != nil {
					continue
				}
				for _, m := range msgs {
					dispatchMessage(m, handlerDispatch)
				}
			}
		}
	}()

	return func() {
		close(stop)
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}, nil
}

func dispatchMessage(m *nats.Msg, handlerDispatch interface{}) {
	carrier := propagation.HeaderCarrier(m.Header)
	ctx := tracePropagator.Extract(context.Background(), carrier)
	tr := otel.Tracer("crawlord")
	ctx, span := tr.Start(ctx, "broker.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	ack := func() { _ = m.Ack() }
	nak := func() { _ = m.Nak() }

	switch h := handlerDispatch.(type) {
	case ConsumeHandler[CrawlJob]:
		var job CrawlJob
		if err := json.Unmarshal(m.Data, &job); err != nil {
			nak()
			return
		}
		h(ctx, job, ack, nak)
	case ConsumeHandler[ParseJob]:
		var job ParseJob
		if err := json.Unmarshal(m.Data, &job); err != nil {
			nak()
			return
		}
		h(ctx, job, ack, nak)
	}
}
