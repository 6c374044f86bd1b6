// Package audit is the audit-event publisher (spec.md §3, §4.5): every
// policy pipeline stage emits an accept/reject AuditEvent, and this
// package drains them onto Kafka when brokers are configured, or onto
// the structured log sink otherwise. Grounded on the producer half of
// services/event-bus-service/internal/kafka.Client, trimmed to the one
// operation the gateway needs (fire-and-forget publish) and rebuilt
// around a bounded channel so a slow or unreachable broker never
// backpressures the request path (spec.md §4.6's fail-open contract,
// applied here to the audit trail rather than the rate limiter).
package audit

import (
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
)

// queueDepth bounds how many audit events wait for the drain goroutine
// before new ones are dropped. Sized generously; dropped events are
// logged, never blocked on.
const queueDepth = 4096

// Publisher implements pipeline.Auditor: Emit never blocks the caller.
type Publisher struct {
	events  chan gatewaytypes.AuditEvent
	log     obslog.Sink
	topic   string
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	producer sarama.AsyncProducer // nil when no brokers configured
}

// New builds a Publisher. When len(brokers) == 0 the publisher only
// logs audit events at debug level; otherwise it starts a sarama async
// producer and publishes each event as a JSON-encoded Kafka message on
// topic.
func New(brokers []string, topic string, log obslog.Sink) (*Publisher, error) {
	p := &Publisher{
		events: make(chan gatewaytypes.AuditEvent, queueDepth),
		log:    log,
		topic:  topic,
		done:   make(chan struct{}),
	}

	if len(brokers) > 0 {
		cfg := sarama.NewConfig()
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
		cfg.Producer.Retry.Max = 3
		cfg.Producer.Return.Successes = false
		cfg.Producer.Return.Errors = true

		producer, err := sarama.NewAsyncProducer(brokers, cfg)
		if err != nil {
			return nil, err
		}
		p.producer = producer

		p.wg.Add(1)
		go p.drainProducerErrors()
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Emit implements pipeline.Auditor. A full queue drops the event rather
// than blocking the request that generated it.
func (p *Publisher) Emit(event gatewaytypes.AuditEvent) {
	select {
	case p.events <- event:
	default:
		p.log.Event(logrus.WarnLevel, event.RequestID, logrus.Fields{
			"stage": event.Stage,
		}, "audit queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.events:
			p.publish(event)
		case <-p.done:
			p.drainRemaining()
			return
		}
	}
}

func (p *Publisher) drainRemaining() {
	for {
		select {
		case event := <-p.events:
			p.publish(event)
		default:
			return
		}
	}
}

func (p *Publisher) publish(event gatewaytypes.AuditEvent) {
	if p.producer == nil {
		p.log.Event(logrus.DebugLevel, event.RequestID, logrus.Fields{
			"stage":    event.Stage,
			"decision": event.Decision,
			"reason":   event.Reason,
		}, "audit event")
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Event(logrus.WarnLevel, event.RequestID, logrus.Fields{"error": err.Error()}, "failed to encode audit event")
		return
	}

	p.producer.Input() <- &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.RequestID),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: event.Timestamp,
	}
}

func (p *Publisher) drainProducerErrors() {
	defer p.wg.Done()
	for err := range p.producer.Errors() {
		p.log.Event(logrus.WarnLevel, "", logrus.Fields{"error": err.Err.Error()}, "audit publish failed")
	}
}

// Close stops the drain goroutine, flushes any queued events still in
// the channel, and closes the underlying producer. Safe to call once;
// later calls are no-ops.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
		if p.producer != nil {
			p.producer.AsyncClose()
		}
	})
	p.wg.Wait()
}
