package events

// Topic constants for domain events emitted by the platform.
const (
	TopicTransactionCreated   = "transaction.created"
	TopicTransactionSucceeded = "transaction.succeeded"
	TopicTransactionCancelled = "transaction.cancelled"
	TopicTransactionRefunded  = "transaction.refunded"
	TopicCurrencySwitched     = "transaction.currency_switched"
)

// DefaultTopics returns the canonical list of topics merchants may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicTransactionCreated,
		TopicTransactionSucceeded,
		TopicTransactionCancelled,
		TopicTransactionRefunded,
		TopicCurrencySwitched,
	}
}
