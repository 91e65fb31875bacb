// Package broker implements the in-process typed message broker that
// decouples the connection layer from agent processing.
//
// Producers publish envelopes that are routed through exchanges to bound
// queues; each queue feeds exactly one registered handler serviced by a
// dedicated goroutine. Handlers acknowledge or negatively acknowledge each
// delivery; a nack with requeue makes the message redeliverable, giving
// at-least-once semantics. FIFO order holds per queue for freshly published
// messages; redelivered messages carry no ordering guarantee relative to
// newer ones.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyland-inc/clawmesh/pkg/logger"
	"github.com/tinyland-inc/clawmesh/pkg/message"
)

var (
	// ErrBrokerClosed is returned when publishing to or consuming from a
	// closed broker.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrDuplicateID is returned when a message ID has been published before.
	ErrDuplicateID = errors.New("message id already published")
	// ErrUnknownQueue is returned for operations on an undeclared queue.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrHandlerBound is returned when a queue already has a consumer. Each
	// queue feeds a single logical consumer; fan-out is achieved by binding
	// multiple queues to one exchange, not by stacking handlers.
	ErrHandlerBound = errors.New("queue already has a handler")
)

// Result is the consumer's verdict on one delivery.
type Result struct {
	ack     bool
	requeue bool
}

// Ack marks the delivery processed; the message is permanently removed.
func Ack() Result { return Result{ack: true} }

// Nack rejects the delivery. With requeue the message becomes
// redeliverable, at least once, with no position guarantee.
func Nack(requeue bool) Result { return Result{requeue: requeue} }

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg message.Message) Result

// Stats holds cumulative broker counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

type queue struct {
	name string
	ch   chan message.Message

	// requeued holds nacked messages when the channel is full, so a
	// requeue can never deadlock the consumer that performs it. The
	// delivery loop drains it before reading the channel.
	mu       sync.Mutex
	requeued []message.Message
}

func (q *queue) takeRequeued() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requeued) == 0 {
		return message.Message{}, false
	}
	msg := q.requeued[0]
	q.requeued = q.requeued[1:]
	return msg, true
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.requeued)
}

// Broker routes published messages through a fixed topology to single-
// consumer queues.
type Broker struct {
	topology Topology
	queues   map[string]*queue

	mu       sync.Mutex
	handlers map[string]Handler

	// published remembers every successfully accepted message id. Ids are
	// assigned once and never reused, so duplicate rejection requires
	// remembering them for the life of the process; the set grows one
	// entry per published message.
	published map[string]struct{}

	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	published64   atomic.Uint64
	delivered64   atomic.Uint64
	acked64       atomic.Uint64
	nacked64      atomic.Uint64
	redelivered64 atomic.Uint64
}

// New creates a broker with the given topology. queueDepth bounds each
// queue's buffered channel; values below 1 fall back to 100, matching the
// bus depth the rest of the system is tuned for.
func New(topology Topology, queueDepth int) *Broker {
	if queueDepth < 1 {
		queueDepth = 100
	}
	b := &Broker{
		topology:  topology,
		queues:    make(map[string]*queue, len(topology.Queues)),
		handlers:  make(map[string]Handler),
		published: make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, name := range topology.Queues {
		b.queues[name] = &queue{name: name, ch: make(chan message.Message, queueDepth)}
	}
	return b
}

// Publish routes a message by its logical class: user_prompt and
// agent_response over the direct exchange, notification over fanout,
// system_event over topic with key "system.<subtype>". The message must
// carry a previously-unseen ID. Blocks while every matched queue is full;
// cancel via ctx.
func (b *Broker) Publish(ctx context.Context, msg message.Message) error {
	exchange, key := routeFor(msg)
	if exchange == "" {
		return fmt.Errorf("unroutable message_type %q", msg.Type)
	}
	return b.PublishRouted(ctx, exchange, key, msg)
}

func routeFor(msg message.Message) (exchange, key string) {
	switch msg.Type {
	case message.TypeUserPrompt:
		return ExchangeDirect, KeyUserPrompt
	case message.TypeAgentResponse:
		return ExchangeDirect, KeyAgentResponse
	case message.TypeNotification:
		return ExchangeFanout, ""
	case message.TypeSystemEvent:
		subtype := msg.Metadata["subtype"]
		if subtype == "" {
			subtype = "event"
		}
		return ExchangeTopic, "system." + subtype
	}
	return "", ""
}

// PublishRouted publishes through a named exchange with an explicit
// routing key. The message becomes visible to exactly the queues bound to
// that exchange/key combination.
func (b *Broker) PublishRouted(ctx context.Context, exchange, key string, msg message.Message) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if msg.ID == "" {
		return errors.New("message has no id")
	}

	kind, ok := b.topology.Exchanges[exchange]
	if !ok {
		return fmt.Errorf("unknown exchange %q", exchange)
	}

	b.mu.Lock()
	if _, dup := b.published[msg.ID]; dup {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	b.published[msg.ID] = struct{}{}
	b.mu.Unlock()

	targets := b.match(kind, exchange, key)
	if len(targets) == 0 {
		logger.DebugCF("broker", "message matched no queues", map[string]any{
			"exchange": exchange, "key": key, "id": msg.ID,
		})
	}
	for _, q := range targets {
		select {
		case q.ch <- msg:
		case <-b.done:
			b.forget(msg.ID)
			return ErrBrokerClosed
		case <-ctx.Done():
			b.forget(msg.ID)
			return ctx.Err()
		}
	}
	b.published64.Add(1)
	return nil
}

// forget releases a message id reserved by a publish that failed before
// every target queue accepted it, so the caller's retry is not rejected
// as a duplicate. A queue that already accepted the message keeps it;
// the retry then delivers more than once, which at-least-once allows.
func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.published, id)
	b.mu.Unlock()
}

func (b *Broker) match(kind ExchangeKind, exchange, key string) []*queue {
	var targets []*queue
	for _, binding := range b.topology.Bindings {
		if binding.Exchange != exchange {
			continue
		}
		switch kind {
		case Direct:
			if binding.Key != key {
				continue
			}
		case Fanout:
			// key ignored
		case Topic:
			if !topicMatch(binding.Key, key) {
				continue
			}
		}
		if q, ok := b.queues[binding.Queue]; ok {
			targets = append(targets, q)
		}
	}
	return targets
}

// Consume binds handler as the queue's single consumer and starts its
// delivery loop. A second bind on the same queue fails with
// ErrHandlerBound.
func (b *Broker) Consume(queueName string, handler Handler) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	b.mu.Lock()
	if _, bound := b.handlers[queueName]; bound {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerBound, queueName)
	}
	b.handlers[queueName] = handler
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(q, handler)
	logger.InfoCF("broker", "consumer bound", map[string]any{"queue": queueName})
	return nil
}

func (b *Broker) deliverLoop(q *queue, handler Handler) {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		// Requeued messages first, then the live channel.
		if msg, ok := q.takeRequeued(); ok {
			if !b.deliver(ctx, q, handler, msg) {
				return
			}
			continue
		}
		select {
		case msg := <-q.ch:
			if !b.deliver(ctx, q, handler, msg) {
				return
			}
		case <-b.done:
			return
		}
	}
}

// deliver invokes the handler for one message and applies its verdict.
// Returns false when the broker is shutting down; the in-flight message
// has already been requeued by then, never dropped.
func (b *Broker) deliver(ctx context.Context, q *queue, handler Handler, msg message.Message) bool {
	select {
	case <-b.done:
		// Shutdown raced the pop: requeue rather than drop.
		b.requeue(q, msg)
		return false
	default:
	}

	b.delivered64.Add(1)
	res := b.invoke(ctx, handler, msg)
	switch {
	case res.ack:
		b.acked64.Add(1)
	case res.requeue:
		b.nacked64.Add(1)
		b.redelivered64.Add(1)
		b.requeue(q, msg)
	default:
		b.nacked64.Add(1)
		logger.WarnCF("broker", "message dropped by nack without requeue", map[string]any{
			"queue": q.name, "id": msg.ID,
		})
	}
	return true
}

// invoke runs the handler, converting a panic into nack+requeue so a
// faulty handler never kills the consumer loop.
func (b *Broker) invoke(ctx context.Context, handler Handler, msg message.Message) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("broker", "handler panic", map[string]any{
				"id": msg.ID, "panic": fmt.Sprint(r),
			})
			res = Nack(true)
		}
	}()
	return handler(ctx, msg)
}

func (b *Broker) requeue(q *queue, msg message.Message) {
	select {
	case q.ch <- msg:
	default:
		q.mu.Lock()
		q.requeued = append(q.requeued, msg)
		q.mu.Unlock()
	}
}

// Depth returns the number of messages waiting in a queue.
func (b *Broker) Depth(queueName string) (int, error) {
	q, ok := b.queues[queueName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return q.depth(), nil
}

// Stats returns a snapshot of cumulative counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published:   b.published64.Load(),
		Delivered:   b.delivered64.Load(),
		Acked:       b.acked64.Load(),
		Nacked:      b.nacked64.Load(),
		Redelivered: b.redelivered64.Load(),
	}
}

// Close stops all consumer loops and rejects further publishes. An
// in-flight delivery finishes its handler; anything it nacks lands back
// in its queue. Safe to call more than once.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
		b.wg.Wait()
		logger.InfoC("broker", "broker closed")
	}
}
