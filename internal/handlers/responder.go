package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/auth"
	"go.uber.org/zap"
)

// responder renders errors in the shared error body shape.
type responder struct {
	logger        *zap.Logger
	exposeDetails bool
}

func (r responder) fail(c *gin.Context, err error) {
	resp := apperr.ToErrorResponse(r.logger, TraceIDFrom(c), err, r.exposeDetails)
	c.AbortWithStatusJSON(resp.Status, resp)
}

// principal returns the authenticated caller. Routes using it sit behind auth.Middleware.
func (r responder) principal(c *gin.Context) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		r.fail(c, apperr.New(apperr.ErrUnauthenticatedCode, "", auth.ErrMissingToken))
	}
	return p, ok
}
