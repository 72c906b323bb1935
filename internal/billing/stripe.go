package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ParseStripeEvent verifies the webhook signature and normalizes the event.
// Unhandled event types return ok=false and should be acknowledged.
func ParseStripeEvent(payload []byte, sigHeader, secret string) (model.BillingEvent, bool, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return model.BillingEvent{}, false, fmt.Errorf("%v: %w", err, ErrBadSignature)
	}
	return MapStripeEvent(event)
}

// MapStripeEvent converts a verified Stripe event into a BillingEvent.
func MapStripeEvent(event stripe.Event) (model.BillingEvent, bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return model.BillingEvent{}, false, fmt.Errorf("invalid checkout.session data: %w", err)
		}
		ev := model.BillingEvent{
			Provider:   "stripe",
			EventType:  model.EventSubscriptionCreated,
			BusinessID: cs.Metadata["business_id"],
			Status:     "active",
			OccurredAt: eventTime(event),
		}
		if cs.Subscription != nil {
			ev.SubscriptionID = cs.Subscription.ID
		}
		return ev, true, nil

	case "customer.subscription.updated":
		ss, err := unmarshalSubscription(event)
		if err != nil {
			return model.BillingEvent{}, false, err
		}
		ev := mapSubscription(ss, event)
		ev.EventType = model.EventSubscriptionUpdated
		// Mark as cancelled if scheduled to cancel or already canceled.
		if ss.CancelAtPeriodEnd || ss.Status == stripe.SubscriptionStatusCanceled {
			ev.EventType = model.EventSubscriptionCancelled
			ev.Status = "cancelled"
		}
		return ev, true, nil

	case "customer.subscription.deleted":
		ss, err := unmarshalSubscription(event)
		if err != nil {
			return model.BillingEvent{}, false, err
		}
		ev := mapSubscription(ss, event)
		ev.EventType = model.EventSubscriptionCancelled
		ev.Status = "cancelled"
		return ev, true, nil

	default:
		return model.BillingEvent{}, false, nil
	}
}

func unmarshalSubscription(event stripe.Event) (*stripe.Subscription, error) {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return nil, fmt.Errorf("invalid subscription data: %w", err)
	}
	return &ss, nil
}

func mapSubscription(ss *stripe.Subscription, event stripe.Event) model.BillingEvent {
	ev := model.BillingEvent{
		Provider:       "stripe",
		BusinessID:     ss.Metadata["business_id"],
		SubscriptionID: ss.ID,
		Status:         string(ss.Status),
		OccurredAt:     eventTime(event),
	}
	if ss.Items != nil && len(ss.Items.Data) > 0 {
		item := ss.Items.Data[0]
		if item.Price != nil {
			ev.PlanCode = item.Price.ID
		}
		ev.PeriodStart = time.Unix(item.CurrentPeriodStart, 0)
		ev.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
	}
	return ev
}

func eventTime(event stripe.Event) time.Time {
	if event.Created == 0 {
		return time.Time{}
	}
	return time.Unix(event.Created, 0)
}
