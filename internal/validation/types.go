package validation

// ProductInput is one product line on a direct order. Client totals are ignored.
// Price is a pointer so an absent price is told apart from a free item; catalog
// lines take the catalog price and may omit it.
type ProductInput struct {
	ProductID string   `json:"productId,omitempty"`
	Name      string   `json:"name" validate:"required_without=ProductID"`
	Price     *float64 `json:"price" validate:"required_without=ProductID,omitempty,gte=0"`
	Quantity  int      `json:"quantity" validate:"required,min=1"` // must be >= 1
}

// UnitPrice is the submitted price, zero when it was omitted.
func (p ProductInput) UnitPrice() float64 {
	if p.Price == nil {
		return 0
	}
	return *p.Price
}

// CreateOrderRequest is the payload for POST /orders/create
type CreateOrderRequest struct {
	Products        []ProductInput `json:"products" validate:"required,min=1,dive"`
	ShippingAddress string         `json:"shippingAddress" validate:"required,notblank"`
	PaymentMethod   string         `json:"paymentMethod" validate:"required,payment_method"`
}

// CheckoutRequest is the payload for POST /orders/checkout
type CheckoutRequest struct {
	ShippingAddress string `json:"shippingAddress" validate:"required,notblank"`
	PaymentMethod   string `json:"paymentMethod" validate:"required,payment_method"`
}

// UpdateOrderStatusRequest is the payload for PUT /orders/:id
type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=Pending Processing Shipped Delivered Cancelled"`
}

// PushPaymentRequest is the payload for POST /payments/push
type PushPaymentRequest struct {
	OrderID    string  `json:"orderId" validate:"required"`
	PayerPhone string  `json:"payerPhone" validate:"required,ke_phone"`
	Amount     float64 `json:"amount" validate:"required,gt=0"`
}

// AddToCartRequest is the payload for POST /cart/add
type AddToCartRequest struct {
	ProductID string `json:"productId" validate:"required,notblank"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}
