package billing

import "time"

// IsPro decides whether a subscription record grants paid access at the given
// instant. The same rule is applied wherever access is checked: active and
// trialing always qualify; past_due qualifies only while the current billing
// period has not yet ended (grace period); everything else, including a
// missing record, does not.
//
// Callers must re-evaluate on every check rather than caching the boolean:
// the decision flips when the period boundary passes without any new event.
func IsPro(rec *SubscriptionRecord, now time.Time) bool {
	if rec == nil {
		return false
	}
	switch rec.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return rec.CurrentPeriodEnd != nil && *rec.CurrentPeriodEnd > now.Unix()
	default:
		return false
	}
}
