package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ResultSuccess is the callback ResultCode of a completed payment.
const ResultSuccess = 0

// CallbackEnvelope is the outer shape of the result notification.
type CallbackEnvelope struct {
	Body *CallbackBody `json:"Body" validate:"required"`
}

type CallbackBody struct {
	STKCallback *STKCallback `json:"stkCallback" validate:"required"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID" validate:"required"`
	ResultCode        *int              `json:"ResultCode" validate:"required"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item" validate:"dive"`
}

type MetadataItem struct {
	Name  string          `json:"Name" validate:"required"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Transaction is the typed view of a validated callback.
type Transaction struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// set on success only
	Amount          decimal.Decimal
	ReceiptNumber   string
	TransactionDate time.Time
	PhoneNumber     string
}

// Succeeded reports whether the payer completed the payment.
func (t *Transaction) Succeeded() bool { return t.ResultCode == ResultSuccess }

var callbackValidator = validator.New()

// ParseCallback decodes and validates a raw callback body. It returns
// ErrInvalidJSON when the body is not JSON and wraps ErrMalformedCallback when
// the envelope or required fields are missing. A success result without a
// receipt number is malformed.
func ParseCallback(raw []byte) (*Transaction, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := callbackValidator.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	cb := env.Body.STKCallback
	tx := &Transaction{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: strings.TrimSpace(cb.CheckoutRequestID),
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if !tx.Succeeded() {
		return tx, nil
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if d, err := decimal.NewFromString(scalar(item.Value)); err == nil {
					tx.Amount = d
				}
			case "MpesaReceiptNumber":
				tx.ReceiptNumber = scalar(item.Value)
			case "TransactionDate":
				if t, err := time.ParseInLocation(timestampLayout, scalar(item.Value), eat); err == nil {
					tx.TransactionDate = t
				}
			case "PhoneNumber":
				tx.PhoneNumber = scalar(item.Value)
			}
		}
	}
	if tx.ReceiptNumber == "" {
		return nil, fmt.Errorf("%w: successful result without MpesaReceiptNumber", ErrMalformedCallback)
	}
	return tx, nil
}

// scalar renders a JSON string or number value as plain text.
func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}
