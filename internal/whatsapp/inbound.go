package whatsapp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxInboundBody = 1 << 20

// Inbound is a message delivered by the Twilio webhook.
type Inbound struct {
	From       string
	To         string
	Body       string
	MessageSID string
	// Params holds every field received, for signature validation.
	Params map[string]string
}

// ParseInbound reads a webhook request. Twilio posts form data; JSON
// bodies are accepted too.
func ParseInbound(r *http.Request) (Inbound, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		return Inbound{}, fmt.Errorf("whatsapp: read body: %w", err)
	}

	params := make(map[string]string)
	ctype := r.Header.Get("Content-Type")
	if strings.Contains(ctype, "application/x-www-form-urlencoded") || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		q, err := url.ParseQuery(string(raw))
		if err != nil {
			return Inbound{}, fmt.Errorf("whatsapp: parse form: %w", err)
		}
		for k, v := range q {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	} else {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return Inbound{}, fmt.Errorf("whatsapp: parse json: %w", err)
		}
		for k, v := range data {
			params[k] = coerce(v)
		}
	}

	return Inbound{
		From:       strings.TrimSpace(params["From"]),
		To:         strings.TrimSpace(params["To"]),
		Body:       strings.TrimSpace(params["Body"]),
		MessageSID: strings.TrimSpace(params["MessageSid"]),
		Params:     params,
	}, nil
}

// coerce flattens a JSON value to a string, taking the first element of
// arrays.
func coerce(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		if len(x) == 0 {
			return ""
		}
		return coerce(x[0])
	default:
		return fmt.Sprint(x)
	}
}
