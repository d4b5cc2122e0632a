// Package handlers exposes the HTTP API.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/auth"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/carts"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/checkout"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/validation"
	"go.uber.org/zap"
)

// Deps groups the services the HTTP layer needs.
type Deps struct {
	Logger        *zap.Logger
	Auth          *auth.Authenticator
	Orders        *orders.Service
	Checkout      *checkout.Service
	Carts         *carts.Service
	Payments      *payments.Service
	Idempotency   *idempotency.Store
	ExposeDetails bool // include internal error text in responses (non-prod only)
}

func (d Deps) responder() responder {
	return responder{logger: d.Logger, exposeDetails: d.ExposeDetails}
}

func (d Deps) idempotent() idempotent {
	return idempotent{responder: d.responder(), store: d.Idempotency}
}

// NewRouter builds the gin engine with middleware and every route registered.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceID())
	r.Use(Metrics())

	v := validation.New()
	fail := deps.responder().fail

	NewBaseHandler(deps.Logger).RegisterRoutes(r)

	authed := r.Group("/")
	authed.Use(deps.Auth.Middleware(fail))

	NewCartHandler(deps, v).RegisterRoutes(authed)
	NewOrderHandler(deps, v).RegisterRoutes(authed, auth.RequireAdmin(fail))
	NewPaymentHandler(deps, v).RegisterRoutes(authed, r)

	return r
}
