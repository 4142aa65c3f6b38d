package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/savane-labs/backend-pay/internal/obs"
)

// doJSON performs exactly one HTTP round trip, decodes a JSON response body
// into out, and classifies failures into the client error taxonomy.
func doJSON(ctx context.Context, client *http.Client, providerName, operation, method, url string, headers map[string]string, payload any, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &Error{Kind: KindMalformed, Provider: providerName, Operation: operation, Err: err}
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Kind: KindTransport, Provider: providerName, Operation: operation, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if obs.ProviderCallLatency != nil {
		obs.ProviderCallLatency.WithLabelValues(providerName, operation).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		return &Error{Kind: KindTransport, Provider: providerName, Operation: operation, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: KindTransport, Provider: providerName, Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransport, Provider: providerName, Operation: operation, StatusCode: resp.StatusCode, Message: rejectionMessage(raw)}
	case resp.StatusCode >= 400:
		return &Error{Kind: KindRejected, Provider: providerName, Operation: operation, StatusCode: resp.StatusCode, Message: rejectionMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindMalformed, Provider: providerName, Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

// rejectionMessage pulls a human-readable reason out of a provider error body.
func rejectionMessage(raw []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
