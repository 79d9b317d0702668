// Package whatsapp sends and receives WhatsApp messages through Twilio and
// keeps the per-number conversation state used by the sales agent and the
// generic hook.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.twilio.com"
	DefaultTimeout = 15 * time.Second
)

var (
	ErrNotConfigured = errors.New("whatsapp: twilio credentials not configured")
	ErrSend          = errors.New("whatsapp: send failed")
)

// Sender delivers one WhatsApp message and returns its message SID.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// APIError is a non-2xx answer from the Twilio REST API.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio API error: %s (status: %d, code: %d)", e.Message, e.StatusCode, e.Code)
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// TwilioClient posts messages to the Twilio Messages resource.
type TwilioClient struct {
	accountSID string
	from       string
	client     *resty.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// TwilioOption configures a TwilioClient.
type TwilioOption func(*TwilioClient)

// WithTwilioBaseURL points the client at another API host.
func WithTwilioBaseURL(u string) TwilioOption {
	return func(c *TwilioClient) {
		if u != "" {
			c.client.SetBaseURL(strings.TrimRight(u, "/"))
		}
	}
}

// WithTwilioRate limits sends per second.
func WithTwilioRate(perSecond float64) TwilioOption {
	return func(c *TwilioClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithTwilioLogger sets the logger.
func WithTwilioLogger(l *zap.Logger) TwilioOption {
	return func(c *TwilioClient) { c.logger = l }
}

// NewTwilioClient creates a client. It fails with ErrNotConfigured when
// the account SID, token or sender is missing.
func NewTwilioClient(accountSID, authToken, from string, opts ...TwilioOption) (*TwilioClient, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, ErrNotConfigured
	}
	c := &TwilioClient{
		accountSID: accountSID,
		from:       EnsurePrefix(from),
		client: resty.New().
			SetBaseURL(DefaultBaseURL).
			SetTimeout(DefaultTimeout).
			SetBasicAuth(accountSID, authToken).
			SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// From returns the configured sender address.
func (c *TwilioClient) From() string { return c.from }

// Send posts body to the whatsapp: address to and returns the message SID.
func (c *TwilioClient) Send(ctx context.Context, to, body string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	to = EnsurePrefix(to)

	var out messageResponse
	var apiErr APIError
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"To": to, "From": c.from, "Body": body}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/2010-04-01/Accounts/" + c.accountSID + "/Messages.json")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSend, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		c.logger.Error("twilio_send_error", zap.String("to_tail", tail(to, 6)), zap.Error(&apiErr))
		return "", fmt.Errorf("%w: %w", ErrSend, &apiErr)
	}

	c.logger.Info("twilio_send",
		zap.String("to_tail", tail(to, 6)),
		zap.String("sid", out.SID),
		zap.String("status", out.Status),
		zap.Int("body_len", len(body)))
	return out.SID, nil
}

// ValidateSignature checks an X-Twilio-Signature header: base64 of the
// HMAC-SHA1 of the full URL followed by every POST parameter name and
// value, sorted by name.
func ValidateSignature(authToken, url string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// TwiML renders a messaging response with a single message.
func TwiML(message string) string {
	out, err := xml.Marshal(twimlResponse{Message: message})
	if err != nil {
		return xml.Header + "<Response></Response>"
	}
	return xml.Header + string(out)
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
