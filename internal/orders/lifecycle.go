package orders

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError names the current and requested status of a rejected transition.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot move order from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// nothing ever moves back to Pending; Delivered and Cancelled have no exits.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusDelivered, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CheckTransition returns an *InvalidTransitionError unless from -> to is allowed.
func CheckTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// CheckAdminTransition applies the rules for a transition requested by staff on
// top of CheckTransition. Payment for electronic orders is confirmed only by the
// gateway callback, and while a payment request is outstanding the order may
// only be cancelled.
func CheckAdminTransition(o *Order, to Status, now time.Time) error {
	if err := CheckTransition(o.Status, to); err != nil {
		return err
	}
	if o.Status != StatusPending || to == StatusCancelled {
		return nil
	}
	if to == StatusProcessing && o.PaymentMethod.Electronic() {
		return &InvalidTransitionError{From: o.Status, To: to, Reason: fmt.Sprintf("%s payments are confirmed by the payment provider", o.PaymentMethod)}
	}
	if o.PaymentOutstanding(now) {
		return &InvalidTransitionError{From: o.Status, To: to, Reason: "a payment request is outstanding"}
	}
	return nil
}

// PaymentOutstanding reports whether a push has been accepted by the gateway or
// is being initiated under a live lock.
func (o *Order) PaymentOutstanding(now time.Time) bool {
	if o.CheckoutRequestID != "" {
		return true
	}
	return o.InitiationID != "" && o.InitiationExpiresAt >= now.Unix()
}
