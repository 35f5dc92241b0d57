package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/intelligrit/jalan-map/internal/model"
)

// publisher is the part of an amqp.Channel the relay sends with.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// consumer is the part of an amqp.Channel the relay receives with.
type consumer interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPRelay shares insert notifications between server instances through a
// fanout exchange. Inserts are published to the exchange and every instance
// consumes them back into its local broker.
type AMQPRelay struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	pub      publisher
	sub      consumer
	exchange string
	queue    string
	broker   *Broker
}

// DialAMQP connects to url, declares the exchange and a private queue bound
// to it.
func DialAMQP(url, exchange string, broker *Broker) (*AMQPRelay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	r := &AMQPRelay{conn: conn, exchange: exchange, broker: broker}
	if err := r.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *AMQPRelay) setup() error {
	pub, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening publish channel: %w", err)
	}
	sub, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	if err := pub.ExchangeDeclare(r.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", r.exchange, err)
	}
	q, err := sub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := sub.QueueBind(q.Name, "", r.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue to %q: %w", r.exchange, err)
	}
	r.pub, r.sub, r.queue = pub, sub, q.Name
	return nil
}

// Notify publishes an inserted report to the exchange.
func (r *AMQPRelay) Notify(_ context.Context, report model.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pub.Publish(r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Run consumes the queue into the local broker until ctx is done or the
// connection drops.
func (r *AMQPRelay) Run(ctx context.Context) error {
	deliveries, err := r.sub.Consume(r.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %q: %w", r.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			report, err := decodeReport(d.Body)
			if err != nil {
				log.WithError(err).Warn("discarding malformed insert notification")
				continue
			}
			r.broker.Publish(report)
		}
	}
}

// Close closes the channels and the connection.
func (r *AMQPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.sub.Close()
	}
	if r.pub != nil {
		r.pub.Close()
	}
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func decodeReport(body []byte) (model.Report, error) {
	var report model.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return model.Report{}, fmt.Errorf("decoding report: %w", err)
	}
	if report.ID == "" {
		return model.Report{}, errors.New("report without id")
	}
	return report, nil
}
