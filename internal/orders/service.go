package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"go.uber.org/zap"
)

// Notifier is told about every applied status transition.
type Notifier interface {
	StatusChanged(ctx context.Context, order *Order, from Status)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) StatusChanged(context.Context, *Order, Status) {}

// Service exposes order reads and administrative actions.
type Service struct {
	store    *Store
	notifier Notifier
	logger   *zap.Logger
}

func NewService(store *Store, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// Get returns the order if userID owns it or admin is set.
func (s *Service) Get(ctx context.Context, orderID, userID string, admin bool) (*Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !admin && order.UserID != userID {
		return nil, apperr.Forbidden("order belongs to another user")
	}
	return order, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]Order, error) {
	list, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return list, nil
}

func (s *Service) ListAll(ctx context.Context) ([]Order, error) {
	list, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return list, nil
}

// UpdateStatus applies an administrative transition. The write is conditional on
// the status that was validated, so a concurrent change yields a conflict and
// never an unchecked transition.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to Status) (*Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if err := CheckAdminTransition(order, to, s.store.nowFunc()); err != nil {
		return nil, apperr.New(apperr.ErrInvalidTransitionCode, err.Error(), err)
	}

	updated, err := s.store.UpdateStatus(ctx, orderID, from, to)
	if err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			return nil, apperr.Conflict("order status changed concurrently, retry", err)
		}
		return nil, apperr.Internal(err)
	}

	s.logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.notifier.StatusChanged(ctx, updated, from)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, orderID string) error {
	if err := s.store.Delete(ctx, orderID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound(fmt.Sprintf("order %s not found", orderID))
		}
		return apperr.Internal(err)
	}
	s.logger.Info("order deleted", zap.String("order_id", orderID))
	return nil
}

func (s *Service) load(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if order == nil {
		return nil, apperr.NotFound(fmt.Sprintf("order %s not found", orderID))
	}
	return order, nil
}
