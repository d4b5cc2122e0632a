// Package events carries order lifecycle notifications between the API and the worker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"go.uber.org/zap"
)

// TypeOrderStatusChanged is the only event type published today.
const TypeOrderStatusChanged = "order.status_changed"

// OrderStatusChanged is published after every applied status transition.
type OrderStatusChanged struct {
	Type             string    `json:"type" validate:"eq=order.status_changed"`
	OrderID          string    `json:"orderId" validate:"required"`
	UserID           string    `json:"userId" validate:"required"`
	From             string    `json:"from" validate:"required"`
	To               string    `json:"to" validate:"required"`
	PaymentReference string    `json:"paymentReference,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurredAt" validate:"required"`
}

// Sender delivers a message body with string attributes.
type Sender interface {
	SendMessage(ctx context.Context, body string, attributes map[string]string) error
}

// Publisher implements orders.Notifier on top of a queue. With a nil Sender it
// only logs, which is how local runs without a queue behave.
type Publisher struct {
	sender  Sender
	logger  *zap.Logger
	nowFunc func() time.Time
}

func NewPublisher(sender Sender, logger *zap.Logger) *Publisher {
	return &Publisher{sender: sender, logger: logger, nowFunc: time.Now}
}

// StatusChanged publishes the transition. Failures are logged, never returned:
// the transition is already committed and the caller must not fail because of it.
func (p *Publisher) StatusChanged(ctx context.Context, order *orders.Order, from orders.Status) {
	evt := OrderStatusChanged{
		Type:             TypeOrderStatusChanged,
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		From:             string(from),
		To:               string(order.Status),
		PaymentReference: order.PaymentReference,
		OccurredAt:       p.nowFunc().UTC(),
	}
	if order.Status == orders.StatusCancelled {
		evt.Reason = order.PaymentFailureReason
	}

	if p.sender == nil {
		p.logger.Debug("event publishing disabled", zap.String("order_id", evt.OrderID), zap.String("to", evt.To))
		return
	}

	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal order event", zap.Error(err))
		return
	}
	attrs := map[string]string{
		"event_type": evt.Type,
		"order_id":   evt.OrderID,
		"status":     evt.To,
	}
	if err := p.sender.SendMessage(ctx, string(body), attrs); err != nil {
		p.logger.Error("publish order event failed",
			zap.String("order_id", evt.OrderID),
			zap.String("from", evt.From),
			zap.String("to", evt.To),
			zap.Error(err),
		)
	}
}

var eventValidator = validator.New()

// Decode parses and validates a queued event body.
func Decode(body string) (*OrderStatusChanged, error) {
	var evt OrderStatusChanged
	if err := json.Unmarshal([]byte(body), &evt); err != nil {
		return nil, fmt.Errorf("decode order event: %w", err)
	}
	if err := eventValidator.Struct(evt); err != nil {
		return nil, fmt.Errorf("invalid order event: %w", err)
	}
	return &evt, nil
}
