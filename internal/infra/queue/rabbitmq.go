package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
)

const consumerTag = "canon-remaster-worker"

// RabbitRemasterQueue реализует очередь ремастер-задач через AMQP.
type RabbitRemasterQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	// подписка создаётся один раз и переживает вызовы Pop:
	// повторный Consume плодил бы конкурирующих потребителей,
	// между которыми брокер раскидывал бы сообщения вслепую.
	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewRabbitRemasterQueue подключается к RabbitMQ и объявляет устойчивую очередь.
func NewRabbitRemasterQueue(amqpURL, queue string) (*RabbitRemasterQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitRemasterQueue{conn: conn, channel: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitRemasterQueue) Enqueue(ctx context.Context, job domain.RemasterJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// ensureConsumer лениво регистрирует единственного потребителя.
func (q *RabbitRemasterQueue) ensureConsumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries == nil {
		deliveries, err := q.channel.Consume(q.queue, consumerTag, false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	return q.deliveries, nil
}

// Pop блокирующе читает задачу из очереди. Подписка общая для всех
// вызовов, отмена контекста её не рвёт.
func (q *RabbitRemasterQueue) Pop(ctx context.Context) (domain.RemasterJob, error) {
	deliveries, err := q.ensureConsumer()
	if err != nil {
		return domain.RemasterJob{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.RemasterJob{}, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return domain.RemasterJob{}, errors.New("rabbitmq queue: channel closed")
			}
			var job domain.RemasterJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				// битое сообщение выбрасывается из очереди
				_ = delivery.Nack(false, false)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				return domain.RemasterJob{}, fmt.Errorf("ack delivery: %w", err)
			}
			return job, nil
		}
	}
}

// Close снимает потребителя и освобождает соединение.
func (q *RabbitRemasterQueue) Close() error {
	q.mu.Lock()
	if q.deliveries != nil {
		_ = q.channel.Cancel(consumerTag, false)
		q.deliveries = nil
	}
	q.mu.Unlock()
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
