package resilience_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/resilience"
)

func TestTransportRefusesWhenOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	breaker := resilience.NewBreaker(2, 0.5, time.Minute)
	client := &http.Client{Transport: resilience.Transport{Breaker: breaker}}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	_, err := client.Get(srv.URL)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
}

func TestTransportSingleAttempt(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: resilience.Transport{Breaker: resilience.NewBreaker(100, 0.99, time.Minute)}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, 1, hits)
}
