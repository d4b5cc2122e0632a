package orders

import "time"

// Status is the lifecycle state of an order.
type Status string

// Order statuses
const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusShipped    Status = "Shipped"
	StatusDelivered  Status = "Delivered"
	StatusCancelled  Status = "Cancelled"
)

// PaymentMethod is how the customer intends to pay.
type PaymentMethod string

const (
	PaymentCreditCard     PaymentMethod = "CreditCard"
	PaymentPayPal         PaymentMethod = "PayPal"
	PaymentCashOnDelivery PaymentMethod = "CashOnDelivery"
	PaymentMobileMoney    PaymentMethod = "MobileMoney"
)

// Electronic reports whether payment for m is confirmed by a payment provider
// rather than by staff. Only cash on delivery is confirmed by hand.
func (m PaymentMethod) Electronic() bool {
	return m != PaymentCashOnDelivery
}

// Valid reports whether m is one of the accepted payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCreditCard, PaymentPayPal, PaymentCashOnDelivery, PaymentMobileMoney:
		return true
	}
	return false
}

// LineItem is an immutable snapshot of one purchased product.
type LineItem struct {
	ProductID   string  `dynamodbav:"product_id,omitempty" json:"productId,omitempty"`
	ProductName string  `dynamodbav:"product_name" json:"productName"`
	UnitPrice   float64 `dynamodbav:"unit_price" json:"unitPrice"`
	Quantity    int     `dynamodbav:"quantity" json:"quantity"`
	LineTotal   float64 `dynamodbav:"line_total" json:"lineTotal"`
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID         string        `dynamodbav:"order_id" json:"id"` // PK
	UserID          string        `dynamodbav:"user_id" json:"userId"`
	LineItems       []LineItem    `dynamodbav:"line_items" json:"lineItems"`
	TotalAmount     float64       `dynamodbav:"total_amount" json:"totalAmount"`
	ShippingAddress string        `dynamodbav:"shipping_address" json:"shippingAddress"`
	PaymentMethod   PaymentMethod `dynamodbav:"payment_method" json:"paymentMethod"`
	Status          Status        `dynamodbav:"status" json:"status"`

	// set on confirmed payment only
	PaymentReference string `dynamodbav:"payment_reference,omitempty" json:"paymentReference,omitempty"`
	// correlation key issued by the gateway at push time
	CheckoutRequestID    string `dynamodbav:"checkout_request_id,omitempty" json:"checkoutRequestId,omitempty"`
	MerchantRequestID    string `dynamodbav:"merchant_request_id,omitempty" json:"merchantRequestId,omitempty"`
	PaymentFailureReason string `dynamodbav:"payment_failure_reason,omitempty" json:"paymentFailureReason,omitempty"`

	// initiation lock, held while a push request is in flight
	InitiationID        string `dynamodbav:"initiation_id,omitempty" json:"-"`
	InitiationExpiresAt int64  `dynamodbav:"initiation_expires_at,omitempty" json:"-"`

	CreatedAt time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}
