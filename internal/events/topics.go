package events

// Topic constants for domain events emitted by the storefront.
const (
	TopicPurchaseInitiated = "purchase.initiated"
	TopicPurchasePaid      = "purchase.paid"
	TopicPurchaseFailed    = "purchase.failed"
	TopicPurchaseExpired   = "purchase.expired"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicPurchaseInitiated,
		TopicPurchasePaid,
		TopicPurchaseFailed,
		TopicPurchaseExpired,
	}
}
