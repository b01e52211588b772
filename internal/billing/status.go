package billing

import "strings"

// Status is the lifecycle status of a customer's subscription as stored in
// the subscription record table. The set mirrors the provider's subscription
// statuses plus "not_started" for customers that have never subscribed.
type Status string

const (
	StatusNotStarted        Status = "not_started"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

var validStatuses = map[Status]struct{}{
	StatusNotStarted:        {},
	StatusIncomplete:        {},
	StatusIncompleteExpired: {},
	StatusTrialing:          {},
	StatusActive:            {},
	StatusPastDue:           {},
	StatusCanceled:          {},
	StatusUnpaid:            {},
	StatusPaused:            {},
}

// ParseStatus validates a raw status string against the known set.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := validStatuses[s]
	return s, ok
}

// NormalizeProviderStatus maps a provider-reported status string onto the
// stored enum. Unknown statuses fail closed (incomplete) so they never grant
// paid access.
func NormalizeProviderStatus(raw string) Status {
	if s, ok := ParseStatus(raw); ok && s != StatusNotStarted {
		return s
	}
	return StatusIncomplete
}
