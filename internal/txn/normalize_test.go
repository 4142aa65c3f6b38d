package txn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/savane-labs/backend-pay/internal/provider"
	"github.com/savane-labs/backend-pay/internal/txn"
)

func TestNormalizeNowPayments(t *testing.T) {
	cases := map[provider.NowPaymentsStatus]txn.Status{
		provider.NPWaiting:       txn.StatusProcessing,
		provider.NPConfirming:    txn.StatusProcessing,
		provider.NPConfirmed:     txn.StatusProcessing,
		provider.NPSending:       txn.StatusProcessing,
		provider.NPPartiallyPaid: txn.StatusProcessing,
		provider.NPFinished:      txn.StatusSucceeded,
		provider.NPFailed:        txn.StatusCancelled,
		provider.NPExpired:       txn.StatusCancelled,
		provider.NPRefunded:      txn.StatusRefunded,
	}
	for native, want := range cases {
		got, err := txn.Normalize(native)
		require.NoError(t, err, "status %s", native)
		require.Equal(t, want, got, "status %s", native)
	}
}

func TestNormalizeMoneroo(t *testing.T) {
	cases := map[provider.MonerooStatus]txn.Status{
		provider.MRInitiated:  txn.StatusProcessing,
		provider.MRPending:    txn.StatusProcessing,
		provider.MRProcessing: txn.StatusProcessing,
		provider.MRSuccess:    txn.StatusSucceeded,
		provider.MRCancelled:  txn.StatusCancelled,
		provider.MRFailed:     txn.StatusCancelled,
	}
	for native, want := range cases {
		got, err := txn.Normalize(native)
		require.NoError(t, err, "status %s", native)
		require.Equal(t, want, got, "status %s", native)
	}
}

func TestNormalizeUnknownToken(t *testing.T) {
	_, err := txn.Normalize(provider.NowPaymentsStatus("teleporting"))
	require.Error(t, err)
	_, err = txn.Normalize(provider.MonerooStatus(""))
	require.Error(t, err)
}

func TestNamespaceMeta(t *testing.T) {
	out := txn.NamespaceMeta(txn.MetaProvider, map[string]string{"pay_address": "addr", "pay_currency": "BTC"})
	require.Equal(t, map[string]string{
		"provider.pay_address":  "addr",
		"provider.pay_currency": "BTC",
	}, out)
	empty := txn.NamespaceMeta(txn.MetaCaller, nil)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}
