package types

// Activity entry types written to the logs table.
const (
	ActivityNewsletterSend = "newsletter_send"
	ActivityUnsubscribe    = "unsubscribe"
)

// SendStats summarizes a single newsletter send.
type SendStats struct {
	Subject         string `json:"subject" dynamodbav:"subject"`
	SubscriberCount int    `json:"subscriberCount" dynamodbav:"subscriberCount"`
	SuccessCount    int    `json:"successCount" dynamodbav:"successCount"`
	FailureCount    int    `json:"failureCount" dynamodbav:"failureCount"`
	Timestamp       string `json:"timestamp" dynamodbav:"timestamp"`
}

// UnsubscribeEvent records why and how an address left the list.
type UnsubscribeEvent struct {
	Email     string `json:"email" dynamodbav:"email"`
	Method    string `json:"method" dynamodbav:"method"`
	Reason    string `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
	Feedback  string `json:"feedback,omitempty" dynamodbav:"feedback,omitempty"`
	Timestamp string `json:"timestamp" dynamodbav:"timestamp"`
}
