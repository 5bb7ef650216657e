package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"icebreaker/backend/pkg/logger"
)

// Rabbit publishes change signals to a topic exchange. Each subscriber gets
// an exclusive auto-delete queue bound to its room's routing key.
type Rabbit struct {
	conn     *amqp.Connection
	exchange string
	log      *logger.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewRabbit dials url and declares the topic exchange
func NewRabbit(url, exchange string, log *logger.Logger) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if log == nil {
		log = logger.Nop()
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange, log: log.WithComponent("notify.rabbitmq")}, nil
}

// RoutingKey is the topic routing key for roomID. The id is base64url encoded
// so dots and wildcards inside it cannot change the topic's meaning.
func RoutingKey(roomID string) string {
	return "room." + base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

// Publish sends a transient change signal for roomID
func (r *Rabbit) Publish(ctx context.Context, roomID string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ch.PublishWithContext(cctx,
		r.exchange,
		RoutingKey(roomID),
		false,
		false,
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Transient,
			Body:         []byte(roomID),
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish change for room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe declares a private queue for roomID and forwards deliveries
func (r *Rabbit) Subscribe(ctx context.Context, roomID string) (<-chan struct{}, func(), error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(roomID), r.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ch.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				cancel()
				return
			case _, ok := <-deliveries:
				if !ok {
					r.log.Warn("rabbitmq deliveries closed", "room_id", roomID)
					return
				}
				signal(out)
			}
		}
	}()

	return out, cancel, nil
}

// Close closes the publishing channel and the connection
func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Ping reports whether the connection is still open
func (r *Rabbit) Ping(context.Context) error {
	if r.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}
