// Package mpesa talks to the M-Pesa Daraja API: bearer credentials, STK push
// requests and the asynchronous result callback.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pushPath        = "/mpesa/stkpush/v1/processrequest"
	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"
)

// eat is East Africa Time; the gateway validates timestamps against it.
var eat = time.FixedZone("EAT", 3*60*60)

// Config is the gateway configuration, built once at start-up.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
	RateLimit      float64
	RateBurst      int
}

// PushPayment is one payment prompt to send to a subscriber.
type PushPayment struct {
	OrderID string
	Phone   string
	Amount  decimal.Decimal
}

// PushRequest is the STK push body.
type PushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// PushResponse is the gateway's acknowledgement of a push request.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Client initiates STK push payments.
type Client struct {
	cfg         Config
	http        *http.Client
	credentials CredentialSource
	limiter     *rate.Limiter
	logger      *zap.Logger
	nowFunc     func() time.Time
	newBackOff  func() backoff.BackOff
}

func NewClient(cfg Config, credentials CredentialSource, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return &Client{
		cfg:         cfg,
		http:        httpClient,
		credentials: credentials,
		limiter:     limiter,
		logger:      logger,
		nowFunc:     time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

// Timestamp formats t the way the gateway expects, in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password derives the request password from short code, passkey and timestamp.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// BuildPushRequest assembles the signed request body. The amount is rounded up
// to a whole unit since the gateway only accepts integers.
func (c *Client) BuildPushRequest(p PushPayment, now time.Time) PushRequest {
	ts := Timestamp(now)
	return PushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            p.Amount.Ceil().IntPart(),
		PartyA:            p.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       p.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  p.OrderID,
		TransactionDesc:   "Payment for order",
	}
}

// InitiatePush obtains a credential and submits the push request. The whole
// exchange is bounded by the configured timeout. Only NetworkErrors on the
// credential fetch are retried.
func (c *Client) InitiatePush(ctx context.Context, p PushPayment) (*PushResponse, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cred, err := c.obtainCredential(ctx)
	if err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: "wait for push rate limit", Err: err}
		}
	}

	body, err := json.Marshal(c.BuildPushRequest(p, c.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("marshal push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "send push request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &NetworkError{Op: "read push response", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.credentials.(invalidator); ok {
			inv.Invalidate(ctx)
		}
		return nil, &UpstreamAuthError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var pr PushResponse
	decodeErr := json.Unmarshal(raw, &pr)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || pr.ResponseCode != "0" || pr.CheckoutRequestID == "" {
		return nil, &PaymentInitiationError{StatusCode: resp.StatusCode, Payload: payloadOf(raw)}
	}

	c.logger.Info("push request accepted",
		zap.String("order_id", p.OrderID),
		zap.String("checkout_request_id", pr.CheckoutRequestID),
		zap.String("merchant_request_id", pr.MerchantRequestID),
	)
	return &pr, nil
}

// invalidator is implemented by credential sources that hold on to tokens.
type invalidator interface {
	Invalidate(ctx context.Context)
}

func (c *Client) obtainCredential(ctx context.Context) (Credential, error) {
	var cred Credential
	op := func() error {
		got, err := c.credentials.Obtain(ctx)
		if err != nil {
			var ne *NetworkError
			if errors.As(err, &ne) {
				c.logger.Warn("access token fetch failed, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		cred = got
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func payloadOf(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"raw": string(raw)}
}
