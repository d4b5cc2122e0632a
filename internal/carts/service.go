package carts

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/catalog"
	"go.uber.org/zap"
)

const maxWriteAttempts = 3

// ProductLookup resolves product references.
type ProductLookup interface {
	Get(ctx context.Context, productID string) (*catalog.Product, error)
}

// Service implements the cart operations exposed over HTTP.
type Service struct {
	store    *Store
	products ProductLookup
	logger   *zap.Logger
}

func NewService(store *Store, products ProductLookup, logger *zap.Logger) *Service {
	return &Service{store: store, products: products, logger: logger}
}

// Get returns the user's cart, or an empty cart if none exists.
func (s *Service) Get(ctx context.Context, userID string) (*Cart, error) {
	c, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if c == nil {
		return &Cart{UserID: userID, Items: []Item{}}, nil
	}
	return c, nil
}

// Add puts quantity units of productID into the cart, creating the cart on first use.
func (s *Service) Add(ctx context.Context, userID, productID string, quantity int) (*Cart, error) {
	if quantity < 1 {
		return nil, apperr.Validation("", map[string]string{"quantity": "must be at least 1"})
	}
	p, err := s.products.Get(ctx, productID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if p == nil {
		return nil, apperr.NotFound(fmt.Sprintf("product %s not found", productID))
	}

	return s.mutate(ctx, userID, true, func(c *Cart) {
		c.Add(productID, quantity)
	})
}

// Remove drops a product line. Removing a product that is not in the cart is a no-op.
func (s *Service) Remove(ctx context.Context, userID, productID string) (*Cart, error) {
	return s.mutate(ctx, userID, false, func(c *Cart) {
		c.Remove(productID)
	})
}

// Clear deletes the cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.store.Delete(ctx, userID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// mutate re-reads and re-applies fn when a concurrent writer wins the version race.
func (s *Service) mutate(ctx context.Context, userID string, create bool, fn func(*Cart)) (*Cart, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		c, err := s.store.Get(ctx, userID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if c == nil {
			if !create {
				return nil, apperr.NotFound("cart not found")
			}
			c = &Cart{UserID: userID}
		}

		fn(c)
		err = s.store.Save(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, apperr.Internal(err)
		}
		s.logger.Debug("cart version conflict, retrying", zap.String("user_id", userID), zap.Int("attempt", attempt))
	}
	return nil, apperr.Conflict("cart is being modified concurrently", ErrVersionConflict)
}
