package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/backend-digistore/internal/common"
	"github.com/noah-isme/backend-digistore/internal/events"
	"github.com/noah-isme/backend-digistore/internal/store"
)

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

// Notify implements the events.Notifier interface.
func (n EmailNotifier) Notify(_ context.Context, event store.DomainEvent) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	subject := subjectFor(event.Topic)
	body := bodyFor(event.Topic, payload, event.OccurredAt.Time)
	return n.Mail.Send(to, subject, body)
}

func extractRecipient(payload map[string]any) string {
	keys := []string{"email", "customerEmail", "recipient"}
	for _, key := range keys {
		if val, ok := payload[key]; ok {
			if s, ok := val.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicPurchaseInitiated:
		return "Order received"
	case events.TopicPurchasePaid:
		return "Payment confirmed, your download is ready"
	case events.TopicPurchaseFailed:
		return "Payment failed"
	case events.TopicPurchaseExpired:
		return "Payment expired"
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if txnID, ok := payload["merchantTxnId"].(string); ok && txnID != "" {
		summary += fmt.Sprintf("\nTransaction: %s", txnID)
	}
	if product, ok := payload["productTitle"].(string); ok && product != "" {
		summary += fmt.Sprintf("\nProduct: %s", product)
	}
	if topic == events.TopicPurchasePaid {
		if url, ok := payload["contentUrl"].(string); ok && url != "" {
			summary += fmt.Sprintf("\nDownload link: %s", url)
		}
	}
	if note, ok := payload["message"].(string); ok && note != "" {
		summary += "\n" + note
	}
	return summary
}
