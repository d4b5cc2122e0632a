package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/carts"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
)

type CartHandler struct {
	responder
	validate *validatorv10.Validate
	carts    *carts.Service
}

func NewCartHandler(deps Deps, validate *validatorv10.Validate) *CartHandler {
	return &CartHandler{responder: deps.responder(), validate: validate, carts: deps.Carts}
}

func (h *CartHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cart/add", h.Add)
	r.GET("/cart", h.Get)
	r.DELETE("/cart/remove/:productId", h.Remove)
	r.DELETE("/cart/clear", h.Clear)
}

func (h *CartHandler) Add(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req validation.AddToCartRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		h.fail(c, err)
		return
	}
	cart, err := h.carts.Add(c.Request.Context(), p.UserID, req.ProductID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) Get(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	cart, err := h.carts.Get(c.Request.Context(), p.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) Remove(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	cart, err := h.carts.Remove(c.Request.Context(), p.UserID, c.Param("productId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *CartHandler) Clear(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if err := h.carts.Clear(c.Request.Context(), p.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}
