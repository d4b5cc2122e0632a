package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	orderevents "github.com/imrishuroy/go-mpesa-orderflow/internal/events"
	"go.uber.org/zap"
)

const metricTransitions = "OrderStatusTransitions"

// MetricSink records business metrics. Satisfied by aws.MetricRecorder.
type MetricSink interface {
	Count(ctx context.Context, name string, value float64, dimensions map[string]string) error
}

// Processor consumes order lifecycle events from SQS.
type Processor struct {
	metrics MetricSink
	logger  *zap.Logger
}

// NewProcessor creates a new worker processor with its metric sink injected.
func NewProcessor(metrics MetricSink, logger *zap.Logger) *Processor {
	return &Processor{metrics: metrics, logger: logger}
}

// Handle processes a batch and reports failed messages individually, so only
// those are redelivered and eventually dead-lettered.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.logger.Error("worker error", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	evt, err := orderevents.Decode(rec.Body)
	if err != nil {
		return err
	}

	p.logger.Info("order status changed",
		zap.String("order_id", evt.OrderID),
		zap.String("from", evt.From),
		zap.String("to", evt.To),
		zap.String("payment_reference", evt.PaymentReference),
		zap.Time("occurred_at", evt.OccurredAt),
	)

	if err := p.metrics.Count(ctx, metricTransitions, 1, map[string]string{"Status": evt.To}); err != nil {
		return fmt.Errorf("record transition metric for order %s: %w", evt.OrderID, err)
	}
	return nil
}
