// Package payments drives push payment initiation and reconciles gateway callbacks
// against orders.
package payments

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const releaseTimeout = 5 * time.Second

// phonePattern is a Kenyan subscriber number in international form without '+'.
var phonePattern = regexp.MustCompile(`^254\d{9}$`)

var (
	// ErrInvalidPayload is returned when a callback body is not JSON.
	ErrInvalidPayload     = errors.New("callback payload is not JSON")
	ErrMalformedCallback  = errors.New("malformed callback")
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Outcome describes what a callback did.
type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeMalformed Outcome = "malformed"
	OutcomeError     Outcome = "error"
)

// Gateway submits push requests.
type Gateway interface {
	InitiatePush(ctx context.Context, p mpesa.PushPayment) (*mpesa.PushResponse, error)
}

// PushInput is a caller's request to pay for an order.
type PushInput struct {
	OrderID    string
	UserID     string
	PayerPhone string
	Amount     decimal.Decimal
}

// Acknowledgement is the body returned to the gateway for every callback.
type Acknowledgement struct {
	Message string `json:"message"`
}

type Service struct {
	orders   *orders.Store
	gateway  Gateway
	notifier orders.Notifier
	logger   *zap.Logger
	lockTTL  time.Duration
	newID    func() string
}

// NewService wires the payment workflow. lockTTL bounds how long an in-flight
// initiation blocks another one; it should exceed the gateway timeout.
func NewService(orderStore *orders.Store, gateway Gateway, notifier orders.Notifier, lockTTL time.Duration, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = orders.NopNotifier{}
	}
	return &Service{
		orders:   orderStore,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
		lockTTL:  lockTTL,
		newID:    uuid.NewString,
	}
}

// InitiatePushPayment validates the request against the order, claims the order
// for initiation and asks the gateway to prompt the payer. On any gateway
// failure the order stays Pending and can be retried.
func (s *Service) InitiatePushPayment(ctx context.Context, in PushInput) (*mpesa.PushResponse, error) {
	fields := map[string]string{}
	if !in.Amount.IsPositive() {
		fields["amount"] = "must be greater than 0"
	}
	if !phonePattern.MatchString(in.PayerPhone) {
		fields["payerPhone"] = "must be a 12 digit number starting with 254"
	}
	if len(fields) > 0 {
		pushRequests.WithLabelValues("rejected").Inc()
		return nil, apperr.Validation("", fields)
	}

	order, err := s.orders.Get(ctx, in.OrderID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if order == nil {
		return nil, apperr.NotFound(fmt.Sprintf("order %s not found", in.OrderID))
	}
	if order.UserID != in.UserID {
		return nil, apperr.Forbidden("order belongs to another user")
	}
	if order.Status != orders.StatusPending {
		return nil, apperr.New(apperr.ErrInvalidTransitionCode, fmt.Sprintf("order is %s, only Pending orders can be paid", order.Status), nil)
	}
	if order.CheckoutRequestID != "" {
		return nil, apperr.Conflict("a payment request for this order is already outstanding", nil)
	}
	if !in.Amount.Round(2).Equal(order.Total()) {
		pushRequests.WithLabelValues("rejected").Inc()
		return nil, apperr.Validation("", map[string]string{
			"amount": fmt.Sprintf("must equal the order total %s", order.Total().StringFixed(2)),
		})
	}

	lockID := s.newID()
	if err := s.orders.ClaimForInitiation(ctx, order.OrderID, lockID, s.lockTTL); err != nil {
		if errors.Is(err, orders.ErrInitiationInFlight) {
			return nil, apperr.Conflict("a payment request for this order is already in flight", err)
		}
		return nil, apperr.Internal(err)
	}

	resp, err := s.gateway.InitiatePush(ctx, mpesa.PushPayment{
		OrderID: order.OrderID,
		Phone:   in.PayerPhone,
		Amount:  order.Total(),
	})
	if err != nil {
		s.release(ctx, order.OrderID, lockID)
		pushRequests.WithLabelValues("failed").Inc()
		return nil, gatewayError(err)
	}

	if err := s.orders.RecordCheckoutRequest(ctx, order.OrderID, lockID, resp.CheckoutRequestID, resp.MerchantRequestID); err != nil {
		// the prompt went out but its key is not stored; the callback will be unknown
		s.logger.Error("failed to record checkout request",
			zap.String("order_id", order.OrderID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err),
		)
		return nil, apperr.Internal(err)
	}

	pushRequests.WithLabelValues("accepted").Inc()
	return resp, nil
}

// release drops the initiation lock even if the request context is already done.
func (s *Service) release(ctx context.Context, orderID, lockID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.orders.ReleaseInitiation(ctx, orderID, lockID); err != nil {
		s.logger.Error("failed to release initiation lock", zap.String("order_id", orderID), zap.Error(err))
	}
}

func gatewayError(err error) error {
	var (
		authErr *mpesa.UpstreamAuthError
		pie     *mpesa.PaymentInitiationError
		netErr  *mpesa.NetworkError
	)
	switch {
	case errors.As(err, &authErr):
		return apperr.Upstream(apperr.ErrGatewayAuthCode, nil, err)
	case errors.As(err, &pie):
		return apperr.Upstream(apperr.ErrPaymentRejectedCode, pie.Payload, err)
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return apperr.New(apperr.ErrGatewayUnavailableCode, "payment gateway did not respond, the order is still pending", err)
	default:
		return apperr.Internal(err)
	}
}

// Reconcile applies a callback to the order holding its correlation key. The
// status write is conditional on Pending and the same key, so redelivered or
// concurrent callbacks transition the order at most once.
func (s *Service) Reconcile(ctx context.Context, raw []byte) (Outcome, error) {
	tx, err := mpesa.ParseCallback(raw)
	if err != nil {
		if errors.Is(err, mpesa.ErrInvalidJSON) {
			return OutcomeMalformed, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return OutcomeMalformed, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	order, err := s.orders.FindByCheckoutRequestID(ctx, tx.CheckoutRequestID)
	if err != nil {
		return OutcomeError, err
	}
	if order == nil {
		return OutcomeUnknown, fmt.Errorf("%w: checkout request %s", ErrUnknownTransaction, tx.CheckoutRequestID)
	}
	if order.Status != orders.StatusPending {
		s.checkUnapplied(tx, order)
		return OutcomeDuplicate, nil
	}

	var (
		to      orders.Status
		ref     string
		reason  string
		outcome Outcome
	)
	if tx.Succeeded() {
		to, ref, outcome = orders.StatusProcessing, tx.ReceiptNumber, OutcomePaid
		if !tx.Amount.IsZero() && !tx.Amount.Equal(order.Total().Ceil()) {
			s.logger.Warn("paid amount differs from order total",
				zap.String("order_id", order.OrderID),
				zap.String("paid", tx.Amount.String()),
				zap.String("total", order.Total().String()),
			)
		}
	} else {
		to, outcome = orders.StatusCancelled, OutcomeCancelled
		reason = fmt.Sprintf("%d: %s", tx.ResultCode, tx.ResultDesc)
	}
	if err := orders.CheckTransition(order.Status, to); err != nil {
		return OutcomeError, err
	}

	updated, err := s.orders.ResolvePayment(ctx, order.OrderID, tx.CheckoutRequestID, to, ref, reason)
	if err != nil {
		if errors.Is(err, orders.ErrStatusMismatch) {
			if current, getErr := s.orders.Get(ctx, order.OrderID); getErr == nil {
				s.checkUnapplied(tx, current)
			}
			return OutcomeDuplicate, nil
		}
		return OutcomeError, err
	}

	s.logger.Info("payment reconciled",
		zap.String("order_id", updated.OrderID),
		zap.String("checkout_request_id", tx.CheckoutRequestID),
		zap.Int("result_code", tx.ResultCode),
		zap.String("status", string(updated.Status)),
		zap.String("payment_reference", updated.PaymentReference),
	)
	s.notifier.StatusChanged(ctx, updated, orders.StatusPending)
	return outcome, nil
}

// checkUnapplied flags a successful payment that arrives after the order left
// Pending some other way. The money was taken but the order does not record it.
func (s *Service) checkUnapplied(tx *mpesa.Transaction, order *orders.Order) {
	if !tx.Succeeded() || order.PaymentReference == tx.ReceiptNumber {
		s.logger.Debug("duplicate callback ignored",
			zap.String("order_id", order.OrderID),
			zap.String("checkout_request_id", tx.CheckoutRequestID),
		)
		return
	}
	s.logger.Warn("payment received for order no longer awaiting it",
		zap.String("order_id", order.OrderID),
		zap.String("checkout_request_id", tx.CheckoutRequestID),
		zap.String("receipt", tx.ReceiptNumber),
		zap.String("status", string(order.Status)),
		zap.String("payment_reference", order.PaymentReference),
	)
}

// HandleCallback reconciles raw and always produces an acknowledgement. The only
// error returned is ErrInvalidPayload, for bodies that are not JSON at all;
// everything else is logged for operators and acknowledged.
func (s *Service) HandleCallback(ctx context.Context, raw []byte, traceID string) (Acknowledgement, error) {
	outcome, err := s.Reconcile(ctx, raw)
	callbacksProcessed.WithLabelValues(string(outcome)).Inc()

	log := s.logger.With(zap.String("trace_id", traceID), zap.String("outcome", string(outcome)))
	switch {
	case err == nil:
		log.Debug("callback processed")
	case errors.Is(err, ErrInvalidPayload):
		log.Warn("callback rejected", zap.Error(err))
		return Acknowledgement{Message: "Invalid JSON payload"}, err
	case errors.Is(err, ErrMalformedCallback), errors.Is(err, ErrUnknownTransaction):
		log.Warn("callback ignored", zap.Error(err), zap.ByteString("payload", truncate(raw, 2048)))
	default:
		log.Error("callback processing failed", zap.Error(err), zap.ByteString("payload", truncate(raw, 2048)))
	}
	return Acknowledgement{Message: "M-Pesa Callback Processed Successfully"}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
