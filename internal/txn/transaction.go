package txn

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the platform's normalized payment status. Every provider
// vocabulary maps onto this enum; transitions follow the partial order
// pending < processing < {succeeded, cancelled, refunded}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// rank positions a status in the partial order. Terminal states share a rank:
// none of them may replace another.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusSucceeded, StatusCancelled, StatusRefunded:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether the status ends the transaction lifecycle.
func (s Status) IsTerminal() bool {
	return s.rank() == 2
}

// Valid reports whether s is a known status token.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether moving from -> to is a forward move under the
// partial order. Equal or older statuses are stale, terminal states are final.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	return to.rank() > from.rank()
}

// ParseStatus validates a stored status token.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

// Metadata key namespaces. Caller-supplied keys, provider echo data and
// conversion audit figures never collide because each owner writes under its
// own prefix.
const (
	MetaCaller   = "caller"
	MetaProvider = "provider"
	MetaAudit    = "audit"
)

// NamespaceMeta prefixes every key in values with the given namespace. The
// result is never nil so callers can add their own keys to it.
func NamespaceMeta(namespace string, values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[namespace+"."+key] = value
	}
	return out
}

// Transaction is the canonical payment record owned by this engine.
// Amount and Currency hold the merchant's original request and are never
// mutated; settlement figures are written once per provider session.
type Transaction struct {
	ID                 string
	MerchantID         string
	OrgID              string
	PayerID            string
	Amount             decimal.Decimal
	Currency           string
	Provider           string
	ProviderSessionID  string
	Status             Status
	SettlementAmount   decimal.Decimal
	SettlementCurrency string
	Metadata           map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
