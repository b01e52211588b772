package billing

import "time"

// ViewStatusNone is the status text exposed when no subscription record
// exists for a user.
const ViewStatusNone = "none"

// NewSubscriptionView builds the read projection for a user from their
// subscription record. This is the single place where epoch seconds become
// calendar timestamps; rec may be nil.
func NewSubscriptionView(userID string, rec *SubscriptionRecord, now time.Time) SubscriptionView {
	if rec == nil {
		return SubscriptionView{
			UserID: userID,
			Status: ViewStatusNone,
		}
	}
	return SubscriptionView{
		UserID:             userID,
		CustomerID:         rec.CustomerID,
		SubscriptionID:     rec.SubscriptionID,
		PriceID:            rec.PriceID,
		Status:             string(rec.Status),
		CurrentPeriodStart: epochToTime(rec.CurrentPeriodStart),
		CurrentPeriodEnd:   epochToTime(rec.CurrentPeriodEnd),
		CancelAtPeriodEnd:  rec.CancelAtPeriodEnd,
		PaymentMethodBrand: rec.PaymentMethodBrand,
		PaymentMethodLast4: rec.PaymentMethodLast4,
		Pro:                IsPro(rec, now),
	}
}

func epochToTime(sec *int64) *time.Time {
	if sec == nil || *sec <= 0 {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
