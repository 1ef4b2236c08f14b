package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/metrics"
)

// AMQPNotifyQueue реализует очередь уведомлений поверх RabbitMQ.
type AMQPNotifyQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewAMQPNotifyQueue подключается к брокеру и объявляет устойчивую очередь.
func NewAMQPNotifyQueue(amqpURL, queueName string) (*AMQPNotifyQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queueName == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPNotifyQueue{conn: conn, channel: channel, queue: queueName}, nil
}

// Enqueue публикует задачу в очередь.
func (q *AMQPNotifyQueue) Enqueue(ctx context.Context, job domain.NotifyJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди. Подтверждение отправляется после
// успешного декодирования; нечитаемое сообщение отбрасывается без повтора.
func (q *AMQPNotifyQueue) Pop(ctx context.Context) (domain.NotifyJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.NotifyJob{}, err
		}
		delivery, ok, err := q.channel.Get(q.queue, false)
		if err != nil {
			return domain.NotifyJob{}, fmt.Errorf("get message: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return domain.NotifyJob{}, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		var job domain.NotifyJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.NotifyJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := delivery.Ack(false); err != nil {
			return domain.NotifyJob{}, fmt.Errorf("ack message: %w", err)
		}
		return job, nil
	}
}

// Close освобождает канал и соединение.
func (q *AMQPNotifyQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
