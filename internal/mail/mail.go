// Package mail sends newsletter email through SES.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"golang.org/x/time/rate"
)

// SESv2SendEmailAPI allows sending emails.
type SESv2SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

const (
	charset = "UTF-8"

	maxBackoff = 20 * time.Second
)

// WithRetry configures an SES client to retry throttled sends with a bounded backoff.
func WithRetry(o *sesv2.Options) {
	o.Retryer = retry.AddWithMaxBackoffDelay(retry.NewStandard(), maxBackoff)
}

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers messages from a fixed address.
type Sender struct {
	seAPI            SESv2SendEmailAPI
	fromEmailAddr    string
	configurationSet string
	limiter          *rate.Limiter
}

// Config provides configuration options for a Sender.
type Config struct {
	SendEmailAPI     SESv2SendEmailAPI
	FromEmailAddress string
	ConfigurationSet string
	// MaxRate limits sends per second. Zero disables limiting.
	MaxRate float64
}

// New creates a new Sender instance.
func New(cfg Config) *Sender {
	s := &Sender{
		seAPI:            cfg.SendEmailAPI,
		fromEmailAddr:    cfg.FromEmailAddress,
		configurationSet: cfg.ConfigurationSet,
	}
	if cfg.MaxRate > 0 {
		burst := int(cfg.MaxRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	return s
}

// Send delivers msg, waiting for the rate limiter first when one is configured.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body := &sestypes.Body{
		Html: &sestypes.Content{Charset: aws.String(charset), Data: aws.String(msg.HTML)},
	}
	if msg.Text != "" {
		body.Text = &sestypes.Content{Charset: aws.String(charset), Data: aws.String(msg.Text)}
	}

	input := &sesv2.SendEmailInput{
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.To},
		},
		FromEmailAddress: &s.fromEmailAddr,
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Charset: aws.String(charset), Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = &s.configurationSet
	}

	if _, err := s.seAPI.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("could not send email: %w", err)
	}
	return nil
}
