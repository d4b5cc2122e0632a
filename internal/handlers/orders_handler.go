package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/checkout"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

const (
	opCreateOrder = "orders.create"
	opCheckout    = "orders.checkout"
)

type OrderHandler struct {
	idempotent
	validate *validatorv10.Validate
	orders   *orders.Service
	checkout *checkout.Service
}

func NewOrderHandler(deps Deps, validate *validatorv10.Validate) *OrderHandler {
	return &OrderHandler{
		idempotent: deps.idempotent(),
		validate:   validate,
		orders:     deps.Orders,
		checkout:   deps.Checkout,
	}
}

// RegisterRoutes registers order routes on an authenticated group.
func (h *OrderHandler) RegisterRoutes(r *gin.RouterGroup, admin gin.HandlerFunc) {
	r.POST("/orders/create", h.CreateOrder)
	r.POST("/orders/checkout", h.Checkout)
	r.GET("/orders/my-orders", h.MyOrders)
	r.GET("/orders/:id", h.GetOrder)

	r.GET("/orders", admin, h.ListOrders)
	r.PUT("/orders/:id", admin, h.UpdateStatus)
	r.DELETE("/orders/:id", admin, h.DeleteOrder)
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		h.fail(c, err)
		return
	}

	lines := make([]checkout.ProductLine, 0, len(req.Products))
	for _, pi := range req.Products {
		lines = append(lines, checkout.ProductLine{
			ProductID: pi.ProductID,
			Name:      pi.Name,
			Price:     pi.UnitPrice(),
			Quantity:  pi.Quantity,
		})
	}

	h.run(c, opCreateOrder, p.UserID, func(key string) (int, any, error) {
		order, err := h.checkout.CreateOrder(c.Request.Context(), checkout.CreateInput{
			UserID:          p.UserID,
			Products:        lines,
			ShippingAddress: req.ShippingAddress,
			PaymentMethod:   orders.PaymentMethod(req.PaymentMethod),
			IdempotencyKey:  key,
		})
		if err != nil {
			return 0, nil, err
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
		return http.StatusCreated, order, nil
	})
}

func (h *OrderHandler) Checkout(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		h.fail(c, err)
		return
	}

	h.run(c, opCheckout, p.UserID, func(key string) (int, any, error) {
		order, err := h.checkout.Checkout(c.Request.Context(), checkout.CheckoutInput{
			UserID:          p.UserID,
			ShippingAddress: req.ShippingAddress,
			PaymentMethod:   orders.PaymentMethod(req.PaymentMethod),
			IdempotencyKey:  key,
		})
		if err != nil {
			return 0, nil, err
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
		return http.StatusCreated, order, nil
	})
}

func (h *OrderHandler) MyOrders(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	list, err := h.orders.ListForUser(c.Request.Context(), p.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	list, err := h.orders.ListAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(list))
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"), p.UserID, p.IsAdmin())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) UpdateStatus(c *gin.Context) {
	var req validation.UpdateOrderStatusRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		h.fail(c, err)
		return
	}
	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), orders.Status(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) DeleteOrder(c *gin.Context) {
	if err := h.orders.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order deleted"})
}

func nonNil(list []orders.Order) []orders.Order {
	if list == nil {
		return []orders.Order{}
	}
	return list
}
