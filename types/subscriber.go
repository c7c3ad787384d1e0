// Package types provides common data types for storing newsletter subscribers.
package types

import "time"

// Status is the lifecycle state of a subscriber record.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusUnsubscribed Status = "unsubscribed"
	StatusBounced      Status = "bounced"
	StatusComplained   Status = "complained"
)

// Blocked reports whether the address has been shut off by the email provider.
// Blocked addresses can neither subscribe again nor resubscribe.
func (s Status) Blocked() bool {
	return s == StatusBounced || s == StatusComplained
}

// Unsubscribe methods recorded on a subscriber.
const (
	MethodLink = "link"
	MethodAPI  = "api"
)

// SourceWebsite is the signup source recorded for form subscriptions.
const SourceWebsite = "website"

// Subscriber models a single row of the subscribers table, keyed by Email.
type Subscriber struct {
	Email  string `json:"email" dynamodbav:"email"`
	Name   string `json:"name" dynamodbav:"name"`
	Status Status `json:"status" dynamodbav:"status"`

	ConfirmToken     string `json:"confirmToken,omitempty" dynamodbav:"confirmToken,omitempty"`
	UnsubscribeToken string `json:"unsubscribeToken,omitempty" dynamodbav:"unsubscribeToken,omitempty"`

	SubscribedAt   string `json:"subscribedAt,omitempty" dynamodbav:"subscribedAt,omitempty"`
	ConfirmedAt    string `json:"confirmedAt,omitempty" dynamodbav:"confirmedAt,omitempty"`
	UnsubscribedAt string `json:"unsubscribedAt,omitempty" dynamodbav:"unsubscribedAt,omitempty"`
	ResubscribedAt string `json:"resubscribedAt,omitempty" dynamodbav:"resubscribedAt,omitempty"`

	UnsubscribeMethod   string `json:"unsubscribeMethod,omitempty" dynamodbav:"unsubscribeMethod,omitempty"`
	UnsubscribeReason   string `json:"unsubscribeReason,omitempty" dynamodbav:"unsubscribeReason,omitempty"`
	UnsubscribeFeedback string `json:"unsubscribeFeedback,omitempty" dynamodbav:"unsubscribeFeedback,omitempty"`

	BouncedAt            string `json:"bouncedAt,omitempty" dynamodbav:"bouncedAt,omitempty"`
	BounceType           string `json:"bounceType,omitempty" dynamodbav:"bounceType,omitempty"`
	BounceSubType        string `json:"bounceSubType,omitempty" dynamodbav:"bounceSubType,omitempty"`
	TransientBounceCount int    `json:"transientBounceCount,omitempty" dynamodbav:"transientBounceCount,omitempty"`
	LastTransientBounce  string `json:"lastTransientBounce,omitempty" dynamodbav:"lastTransientBounce,omitempty"`

	ComplainedAt          string `json:"complainedAt,omitempty" dynamodbav:"complainedAt,omitempty"`
	ComplaintFeedbackType string `json:"complaintFeedbackType,omitempty" dynamodbav:"complaintFeedbackType,omitempty"`

	Source   string   `json:"source,omitempty" dynamodbav:"source,omitempty"`
	Tags     []string `json:"tags,omitempty" dynamodbav:"tags,omitempty"`
	Metadata Metadata `json:"metadata" dynamodbav:"metadata"`
}

// Metadata captures request details at signup time.
type Metadata struct {
	UserAgent string `json:"userAgent" dynamodbav:"userAgent"`
	IP        string `json:"ip" dynamodbav:"ip"`
}

// SubscriberKey contains the primary key data for a Subscriber item.
type SubscriberKey struct {
	Email string `dynamodbav:"email"`
}

// TimeLayout formats every timestamp stored on a subscriber (UTC, millisecond precision).
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t using TimeLayout in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
