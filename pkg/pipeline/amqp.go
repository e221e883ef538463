package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/settleline/rtgs/pkg/iso20022"
)

// QueueConfig carries the broker topology and consumption limits.
type QueueConfig struct {
	URL              string
	InboundQueue     string  // default bank.inbound
	DeadLetterQueue  string  // default bank.inbound.dlq
	OutboundExchange string  // default bank.outbound
	StatusRoutingKey string  // default pacs.002
	Workers          int     // default 8
	Prefetch         int     // default 32
	RatePerSecond    float64 // 0 disables limiting
}

// DefaultQueueConfig returns the documented defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		InboundQueue:     "bank.inbound",
		DeadLetterQueue:  "bank.inbound.dlq",
		OutboundExchange: "bank.outbound",
		StatusRoutingKey: "pacs.002",
		Workers:          8,
		Prefetch:         32,
	}
}

const deadLetterExchange = "bank.dlx"

// Consumer drains the inbound queue through the processor on a bounded
// worker pool.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	proc    *Processor
	cfg     QueueConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewConsumer dials the broker and declares the inbound topology: the
// durable work queue wired to a dead-letter exchange, and the DLQ behind it.
func NewConsumer(proc *Processor, cfg QueueConfig) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	if err := declareInbound(ch, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Consumer{
		conn:   conn,
		ch:     ch,
		proc:   proc,
		cfg:    cfg,
		logger: slog.Default().With("component", "amqp_consumer"),
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers)
	}
	return c, nil
}

func declareInbound(ch *amqp.Channel, cfg QueueConfig) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.InboundQueue, deadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.InboundQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": deadLetterExchange,
	}); err != nil {
		return fmt.Errorf("declare inbound queue: %w", err)
	}
	return nil
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.cfg.InboundQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, deliveries)
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				// Cancelled mid-wait; requeue so another node picks it up.
				_ = d.Nack(false, true)
				return
			}
		}
		c.handle(ctx, d)
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	disposition, err := c.proc.Process(ctx, d.Body, d.MessageId)
	if err != nil {
		c.logger.ErrorContext(ctx, "message processing failed",
			"message_id", d.MessageId, "error", err)
	}
	switch disposition {
	case Ack:
		if err := d.Ack(false); err != nil {
			c.logger.ErrorContext(ctx, "ack failed", "message_id", d.MessageId, "error", err)
		}
	case DeadLetter:
		if err := d.Nack(false, false); err != nil {
			c.logger.ErrorContext(ctx, "dead-letter nack failed", "message_id", d.MessageId, "error", err)
		}
	case Requeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.ErrorContext(ctx, "requeue nack failed", "message_id", d.MessageId, "error", err)
		}
	}
}

// Close shuts the channel and connection and waits for in-flight workers.
func (c *Consumer) Close() error {
	_ = c.ch.Close()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// AMQPStatusPublisher emits pacs.002 reports on the outbound exchange.
type AMQPStatusPublisher struct {
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// NewAMQPStatusPublisher declares the outbound topic exchange on its own
// channel.
func NewAMQPStatusPublisher(conn *amqp.Connection, cfg QueueConfig) (*AMQPStatusPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.OutboundExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare outbound exchange: %w", err)
	}
	return &AMQPStatusPublisher{
		ch:         ch,
		exchange:   cfg.OutboundExchange,
		routingKey: cfg.StatusRoutingKey,
	}, nil
}

// PublishStatus marshals and sends one report.
func (p *AMQPStatusPublisher) PublishStatus(ctx context.Context, report iso20022.Report) error {
	body, err := iso20022.BuildPacs002(report)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/xml",
		DeliveryMode: amqp.Persistent,
		MessageId:    report.OriginalMsgID,
		Body:         body,
	})
}

// Connection dials the broker for callers that share one connection across
// consumer and publisher.
func Connection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}
