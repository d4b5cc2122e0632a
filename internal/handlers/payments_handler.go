package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
	"github.com/shopspring/decimal"
)

const opPush = "payments.push"

type PaymentHandler struct {
	idempotent
	validate *validatorv10.Validate
	payments *payments.Service
}

func NewPaymentHandler(deps Deps, validate *validatorv10.Validate) *PaymentHandler {
	return &PaymentHandler{idempotent: deps.idempotent(), validate: validate, payments: deps.Payments}
}

// RegisterRoutes registers the authenticated push endpoint on authed and the
// gateway callback on public.
func (h *PaymentHandler) RegisterRoutes(authed *gin.RouterGroup, public *gin.Engine) {
	authed.POST("/payments/push", h.Push)
	public.POST("/payments/callback", h.Callback)
}

func (h *PaymentHandler) Push(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req validation.PushPaymentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		h.fail(c, err)
		return
	}

	h.run(c, opPush, p.UserID, func(string) (int, any, error) {
		resp, err := h.payments.InitiatePushPayment(c.Request.Context(), payments.PushInput{
			OrderID:    req.OrderID,
			UserID:     p.UserID,
			PayerPhone: req.PayerPhone,
			Amount:     decimal.NewFromFloat(req.Amount),
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, resp, nil
	})
}

// Callback always acknowledges with 200 unless the body is not JSON at all.
func (h *PaymentHandler) Callback(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, payments.Acknowledgement{Message: "Invalid JSON payload"})
		return
	}
	ack, err := h.payments.HandleCallback(c.Request.Context(), raw, TraceIDFrom(c))
	if err != nil {
		c.JSON(http.StatusBadRequest, ack)
		return
	}
	c.JSON(http.StatusOK, ack)
}
