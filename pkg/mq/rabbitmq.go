package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"geneset-workers/pkg/config"
)

const (
	// tickInterval is the unit of the dispatcher's wait loop. One tick is
	// the longest a shutdown request can go unnoticed mid-job.
	tickInterval = 1 * time.Second

	// reconnectPause is the wait between consume reconnect attempts.
	reconnectPause = 2 * time.Second

	// publishRetryPause separates publish attempts that failed to confirm.
	publishRetryPause = 500 * time.Millisecond

	// consumeDialTimeout bounds the dial on the consume path. The consume
	// loop itself retries forever, so this only caps a single attempt.
	consumeDialTimeout = 30 * time.Second
)

// BrokerError wraps any failure to interact with the message broker.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }
func (e *BrokerError) Unwrap() error { return e.Err }

// Acker acknowledges one delivered message. The dispatcher calls it only
// after a terminal status is durable.
type Acker interface {
	Ack() error
}

// HandlerFunc receives each delivered message together with its Acker.
type HandlerFunc func(ack Acker, body []byte)

type delivery struct {
	d amqp.Delivery
}

func (d delivery) Ack() error { return d.d.Ack(false) }

// Client is the broker client shared by the worker's consume loop and the
// publish paths. It owns the process's cancellation token: a shutdown
// request from the signal handler is observed here and nowhere else.
type Client struct {
	cfg    config.Broker
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func New(cfg config.Broker) *Client {
	return &Client{
		cfg:      cfg,
		logger:   slog.Default().With("component", "mq"),
		shutdown: make(chan struct{}),
	}
}

// RequestShutdown trips the cancellation token. Safe to call from a signal
// handler goroutine, and safe to call more than once.
func (c *Client) RequestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

// ShutdownRequested reports whether a shutdown has been requested.
func (c *Client) ShutdownRequested() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// WaitOneTick is the only sanctioned way a dispatcher waits while a job is
// in flight. The wait returns early on shutdown, and because all waiting
// funnels through the broker client the connection's keep-alive is serviced
// throughout, so a long job never looks dead to the broker.
func (c *Client) WaitOneTick() {
	select {
	case <-time.After(tickInterval):
	case <-c.shutdown:
	}
}

// connect returns the cached connection, dialing if necessary. The dial
// timeout is the caller's: short for publish paths, long for consume.
func (c *Client) connect(timeout time.Duration) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := amqp.DialConfig(c.cfg.AMQPURL(), amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	c.conn = conn
	return conn, nil
}

// Close tears down the cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// declareQueue idempotently declares a durable, bounded queue. The overflow
// policy makes a full queue reject new publishes instead of buffering
// without limit, so backpressure reaches the publisher as a failed confirm.
func (c *Client) declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-max-length": int32(c.cfg.QueueMaxLength),
		"x-overflow":   "reject-publish",
	})
	return err
}

// Publish sends one persistent message to the named queue and waits for
// publisher confirmation. MaxPublishRetries bounds the total attempt count;
// exhaustion surfaces as a BrokerError.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	return c.retryPublish(ctx, func() error {
		return c.publishOnce(ctx, queue, body)
	})
}

func (c *Client) retryPublish(ctx context.Context, op backoff.Operation) error {
	attempts := c.cfg.MaxPublishRetries
	if attempts < 1 {
		attempts = 1
	}
	// WithMaxRetries counts retries after the first attempt, while the
	// config counts total attempts.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(publishRetryPause), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return &BrokerError{Op: "publish", Err: err}
	}
	return nil
}

func (c *Client) publishOnce(ctx context.Context, queue string, body []byte) error {
	conn, err := c.connect(c.cfg.PublishTimeout)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareQueue(ch, queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	err = ch.PublishWithContext(pubCtx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	return awaitConfirm(ctx, confirms, c.cfg.PublishTimeout, queue)
}

// awaitConfirm blocks until the broker confirms or rejects the publish, or
// the wait is abandoned.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, timeout time.Duration, queue string) error {
	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return fmt.Errorf("confirmation channel closed")
		}
		if !confirmed.Ack {
			// A bounded queue at capacity nacks instead of buffering.
			return fmt.Errorf("publish to %s not confirmed (queue full or message rejected)", queue)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("publish confirmation timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers messages from the named queue to fn, one at a time
// (prefetch 1, manual ack). On connection loss it waits briefly and
// reconnects indefinitely until a shutdown is requested. The callback is
// never retried here; redelivery of unacknowledged messages is the
// broker's job.
func (c *Client) Consume(queue string, fn HandlerFunc) error {
	for {
		if c.ShutdownRequested() {
			return nil
		}
		if err := c.consumeUntilDisconnect(queue, fn, false); err != nil {
			c.logger.Error("consume loop lost connection", "queue", queue, "error", err)
		}
		if c.ShutdownRequested() {
			return nil
		}
		select {
		case <-time.After(reconnectPause):
		case <-c.shutdown:
			return nil
		}
	}
}

// ConsumeOne is Consume limited to a single delivery, for manual draining
// and tests.
func (c *Client) ConsumeOne(queue string, fn HandlerFunc) error {
	if err := c.consumeUntilDisconnect(queue, fn, true); err != nil {
		return &BrokerError{Op: "consume", Err: err}
	}
	return nil
}

func (c *Client) consumeUntilDisconnect(queue string, fn HandlerFunc, once bool) error {
	conn, err := c.connect(consumeDialTimeout)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declareQueue(ch, queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	// One unacknowledged message at a time. A worker instance processes a
	// single job; scaling out means running more instances.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	return c.runDeliveries(msgs, fn, once)
}

// runDeliveries feeds deliveries to fn until the channel dies or a shutdown
// is requested. With once set it stops after the first delivery.
func (c *Client) runDeliveries(msgs <-chan amqp.Delivery, fn HandlerFunc, once bool) error {
	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			fn(delivery{d}, d.Body)
			if once {
				return nil
			}
		case <-c.shutdown:
			return nil
		}
	}
}
