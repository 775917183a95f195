// Package events публикует события жизненного цикла сессии в RabbitMQ:
// вход, выход и смену права доступа.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/moviepass/internal/lib/sl"
)

// Типы событий; совпадают с ключами маршрутизации.
const (
	TypeAuthenticated      = "session.authenticated"
	TypeSignedOut          = "session.signed_out"
	TypeEntitlementChanged = "entitlement.changed"
)

// Channel часть amqp.Channel, нужная для публикации.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Change наблюдаемое состояние сессии.
type Change struct {
	Authenticated         bool
	UserID                string
	HasActiveSubscription bool
}

// Event тело сообщения.
type Event struct {
	Type                  string    `json:"type"`
	UserID                string    `json:"user_id,omitempty"`
	HasActiveSubscription bool      `json:"has_active_subscription"`
	At                    time.Time `json:"at"`
}

// Publisher превращает последовательность состояний в события. Повторы одного
// и того же состояния не публикуются.
type Publisher struct {
	ch       Channel
	exchange string
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last Change
}

// NewPublisher создаёт Publisher.
func NewPublisher(ch Channel, exchange string, log *slog.Logger) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		log:      log,
		now:      time.Now,
	}
}

// Observe сравнивает состояние с предыдущим и публикует разницу.
// Ошибки публикации логируются: события не влияют на сессию.
func (p *Publisher) Observe(c Change) {
	const op = "events.Publisher.Observe"

	p.mu.Lock()
	prev := p.last
	p.last = c
	p.mu.Unlock()

	var types []string
	switch {
	case c.Authenticated && (!prev.Authenticated || prev.UserID != c.UserID):
		types = append(types, TypeAuthenticated)
		if c.HasActiveSubscription {
			types = append(types, TypeEntitlementChanged)
		}
	case !c.Authenticated && prev.Authenticated:
		types = append(types, TypeSignedOut)
		c.UserID = prev.UserID
	case c.Authenticated && prev.HasActiveSubscription != c.HasActiveSubscription:
		types = append(types, TypeEntitlementChanged)
	}

	for _, t := range types {
		if err := p.Publish(t, c); err != nil {
			p.log.Warn("failed to publish session event", sl.Op(op), slog.String("type", t), sl.Err(err))
		}
	}
}

// Publish отправляет одно событие.
func (p *Publisher) Publish(eventType string, c Change) error {
	const op = "events.Publisher.Publish"
	body, err := json.Marshal(Event{
		Type:                  eventType,
		UserID:                c.UserID,
		HasActiveSubscription: c.HasActiveSubscription,
		At:                    p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = p.ch.Publish(
		p.exchange,
		eventType,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Timestamp:    p.now(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
