package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/apperr"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"go.uber.org/zap"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
	recordWriteTimeout   = 5 * time.Second
)

// operation runs the side effect of a request. key is the scoped idempotency key
// when the client sent one, "" otherwise.
type operation func(key string) (status int, body any, err error)

// idempotent makes POST endpoints safe to retry with an Idempotency-Key header:
// the first completed response is stored and replayed, a concurrent duplicate
// gets 202, and a failed attempt may be retried with the same key.
type idempotent struct {
	responder
	store *idempotency.Store
}

func (h idempotent) run(c *gin.Context, op, userID string, fn operation) {
	raw := c.GetHeader(HeaderIdempotencyKey)
	if raw == "" {
		h.respond(c, "", fn)
		return
	}
	if len(raw) > maxIdempotencyKeyLen {
		h.fail(c, apperr.Validation("", map[string]string{HeaderIdempotencyKey: "must be at most 255 characters"}))
		return
	}

	ctx := c.Request.Context()
	key := idempotency.ScopedKey(op, userID, raw)

	created, err := h.store.CreateIfNotExists(ctx, key)
	if err != nil {
		h.fail(c, apperr.Internal(err))
		return
	}
	if !created && !h.resume(c, key) {
		return
	}
	h.respond(c, key, fn)
}

// resume decides what to do with an existing record. It returns true when this
// request now owns the key and should run the operation.
func (h idempotent) resume(c *gin.Context, key string) bool {
	ctx := c.Request.Context()
	rec, err := h.store.Get(ctx, key)
	if err != nil {
		h.fail(c, apperr.Internal(err))
		return false
	}
	if rec == nil {
		h.fail(c, apperr.Conflict("idempotency record expired while in use, retry", nil))
		return false
	}

	if rec.Status == idempotency.StatusDone {
		c.Header(HeaderReplayed, "true")
		c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
		return false
	}

	reclaimed, err := h.store.Reclaim(ctx, key)
	if err != nil {
		h.fail(c, apperr.Internal(err))
		return false
	}
	if reclaimed {
		h.logger.Info("idempotency key reclaimed", zap.String("key", key), zap.String("previous_status", rec.Status))
		return true
	}

	if rec.Status == idempotency.StatusInProgress {
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "orderId": rec.OrderID})
		return false
	}
	h.fail(c, apperr.Conflict("request with this idempotency key is being retried", nil))
	return false
}

func (h idempotent) respond(c *gin.Context, key string, fn operation) {
	status, body, err := fn(key)
	if key == "" {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(status, body)
		return
	}

	// the request may already be cancelled; the record must still be settled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), recordWriteTimeout)
	defer cancel()

	if err != nil {
		if markErr := h.store.MarkFailed(ctx, key, apperr.CodeOf(err)); markErr != nil {
			h.logger.Error("failed to mark idempotency key failed", zap.String("key", key), zap.Error(markErr))
		}
		h.fail(c, err)
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		h.fail(c, apperr.Internal(err))
		return
	}
	if err := h.store.MarkDone(ctx, key, string(payload), status); err != nil {
		h.logger.Error("failed to store idempotent response", zap.String("key", key), zap.Error(err))
	}
	c.Data(status, "application/json; charset=utf-8", payload)
}
