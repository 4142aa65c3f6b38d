package txn

import (
	"fmt"

	"github.com/savane-labs/backend-pay/internal/provider"
)

// Normalize maps a provider's native status onto the shared enum. Each
// provider contributes a distinct status type, so adding a provider is a
// localized change here and in the provider package.
func Normalize(native provider.NativeStatus) (Status, error) {
	switch s := native.(type) {
	case provider.NowPaymentsStatus:
		return normalizeNowPayments(s)
	case provider.MonerooStatus:
		return normalizeMoneroo(s)
	default:
		return "", fmt.Errorf("txn: no normalization for provider %q", native.Provider())
	}
}

func normalizeNowPayments(s provider.NowPaymentsStatus) (Status, error) {
	switch s {
	case provider.NPWaiting, provider.NPConfirming, provider.NPConfirmed, provider.NPSending, provider.NPPartiallyPaid:
		return StatusProcessing, nil
	case provider.NPFinished:
		return StatusSucceeded, nil
	case provider.NPFailed, provider.NPExpired:
		return StatusCancelled, nil
	case provider.NPRefunded:
		return StatusRefunded, nil
	default:
		return "", fmt.Errorf("txn: unknown %s status %q", provider.NowPayments, s.Token())
	}
}

func normalizeMoneroo(s provider.MonerooStatus) (Status, error) {
	switch s {
	case provider.MRInitiated, provider.MRPending, provider.MRProcessing:
		return StatusProcessing, nil
	case provider.MRSuccess:
		return StatusSucceeded, nil
	case provider.MRCancelled, provider.MRFailed:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("txn: unknown %s status %q", provider.Moneroo, s.Token())
	}
}
