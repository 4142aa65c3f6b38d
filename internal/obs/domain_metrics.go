package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CheckoutTotal counts checkout session creation attempts by outcome.
	CheckoutTotal *prometheus.CounterVec
	// CurrencySwitchTotal counts settlement currency switch attempts.
	CurrencySwitchTotal *prometheus.CounterVec
	// WebhookTotal counts inbound provider webhook processing outcomes.
	WebhookTotal *prometheus.CounterVec
	// PollTotal counts reconciliation poll attempts by outcome.
	PollTotal *prometheus.CounterVec
	// ConversionTotal counts currency conversions by resolved rate source.
	ConversionTotal *prometheus.CounterVec
	// StaleTransitionTotal counts apply() calls ignored as regressions.
	StaleTransitionTotal *prometheus.CounterVec
	// PollWindowElapsedTotal counts transactions whose polling window expired
	// before a terminal state was observed.
	PollWindowElapsedTotal prometheus.Counter
	// ProviderCallLatency records provider API call latency in milliseconds.
	ProviderCallLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CheckoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_total",
			Help:      "Count of checkout session creation outcomes.",
		}, []string{"provider", "result"})
		CurrencySwitchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_currency_switch_total",
			Help:      "Count of settlement currency switch outcomes.",
		}, []string{"provider", "result"})
		WebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_webhook_total",
			Help:      "Count of processed provider webhooks by outcome.",
		}, []string{"provider", "result"})
		PollTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_poll_total",
			Help:      "Count of reconciliation poll attempts by outcome.",
		}, []string{"provider", "result"})
		ConversionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "currency_conversion_total",
			Help:      "Count of currency conversions by rate source.",
		}, []string{"source", "result"})
		StaleTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_transition_total",
			Help:      "Count of status updates ignored because they would regress state.",
		}, []string{"provider"})
		PollWindowElapsedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_window_elapsed_total",
			Help:      "Transactions left non-terminal after the polling window elapsed.",
		})
		ProviderCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_ms",
			Help:      "Latency of outbound provider API calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"provider", "operation"})

		mustRegisterCollector(reg, CheckoutTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutTotal = v
			}
		})
		mustRegisterCollector(reg, CurrencySwitchTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CurrencySwitchTotal = v
			}
		})
		mustRegisterCollector(reg, WebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				WebhookTotal = v
			}
		})
		mustRegisterCollector(reg, PollTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PollTotal = v
			}
		})
		mustRegisterCollector(reg, ConversionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				ConversionTotal = v
			}
		})
		mustRegisterCollector(reg, StaleTransitionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				StaleTransitionTotal = v
			}
		})
		mustRegisterCollector(reg, PollWindowElapsedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PollWindowElapsedTotal = v
			}
		})
		mustRegisterCollector(reg, ProviderCallLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				ProviderCallLatency = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, c prometheus.Collector, replace func(prometheus.Collector)) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			replace(are.ExistingCollector)
			return
		}
		panic(fmt.Errorf("register collector: %w", err))
	}
}
