package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-postwatch/internal/domain"
	"tg-postwatch/internal/infra/metrics"
)

// AMQPCheckQueue реализует очередь задач проверки через RabbitMQ.
type AMQPCheckQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

// NewAMQPCheckQueue подключается к брокеру и объявляет долговечную очередь.
func NewAMQPCheckQueue(amqpURL, queueName string) (*AMQPCheckQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queueName == "" {
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
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPCheckQueue{conn: conn, ch: ch, queue: queueName}, nil
}

// Enqueue публикует задачу в очередь.
func (q *AMQPCheckQueue) Enqueue(ctx context.Context, job domain.CheckJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
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

// Pop блокирующе читает задачу из очереди.
func (q *AMQPCheckQueue) Pop(ctx context.Context) (domain.CheckJob, error) {
	q.consumeOnce.Do(func() {
		if err := q.ch.Qos(1, 0, false); err != nil {
			q.consumeErr = fmt.Errorf("set qos: %w", err)
			return
		}
		deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			q.consumeErr = fmt.Errorf("start consumer: %w", err)
			return
		}
		q.deliveries = deliveries
	})
	if q.consumeErr != nil {
		return domain.CheckJob{}, q.consumeErr
	}

	select {
	case <-ctx.Done():
		return domain.CheckJob{}, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return domain.CheckJob{}, errors.New("amqp queue: канал доставки закрыт")
		}
		var job domain.CheckJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.CheckJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := d.Ack(false); err != nil {
			return domain.CheckJob{}, fmt.Errorf("ack job: %w", err)
		}
		return job, nil
	}
}

// Close освобождает соединение с брокером.
func (q *AMQPCheckQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
