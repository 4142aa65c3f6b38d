package resilience

import (
	"net/http"
)

// Transport guards outbound provider calls with a circuit breaker. It makes
// exactly one attempt per request; retry policy lives with the caller that
// scheduled the call, never inside the transport.
type Transport struct {
	Base    http.RoundTripper
	Breaker *Breaker
}

// RoundTrip implements http.RoundTripper. When the breaker is open the request
// is refused immediately with ErrOpenCircuit so the caller can classify it as
// a transport failure without waiting on a doomed dial.
func (t Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Breaker == nil {
		return base.RoundTrip(req)
	}
	ctx := req.Context()
	if !t.Breaker.Allow(ctx) {
		return nil, ErrOpenCircuit
	}
	resp, err := base.RoundTrip(req)
	t.Breaker.Report(ctx, err == nil && resp.StatusCode < 500)
	return resp, err
}
