// Package config reads function configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"newsletter/internal/token"
)

// SSMGetParameterAPI allows reading a single SSM parameter.
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Config holds the settings shared by the newsletter functions.
type Config struct {
	TableName        string
	LogsTableName    string
	FromEmail        string
	DomainName       string
	ConfigurationSet string
	SESTopicARN      string
	SiteName         string
	LogLevel         string

	BatchSize   int
	BatchPause  time.Duration
	MaxSendRate float64

	PublishAPIKey   string
	StatsAPIKey     string
	UnsubscribeSalt string
}

const (
	defaultSiteName   = "Build MLOps"
	defaultBatchSize  = 50
	defaultBatchPause = time.Second

	// SES SendEmail accepts at most 50 recipients per call, and batches are
	// sized to match.
	maxBatchSize = 50
)

// FromEnv builds a Config from plain environment variables. Secrets that are
// stored in SSM are filled in later by ResolveSecrets.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		TableName:        strings.TrimSpace(getenv("DYNAMODB_TABLE")),
		LogsTableName:    strings.TrimSpace(getenv("NEWSLETTER_LOGS_TABLE")),
		FromEmail:        strings.TrimSpace(getenv("FROM_EMAIL")),
		DomainName:       strings.TrimSpace(getenv("DOMAIN_NAME")),
		ConfigurationSet: strings.TrimSpace(getenv("SES_CONFIGURATION_SET")),
		SESTopicARN:      strings.TrimSpace(getenv("SES_TOPIC_ARN")),
		SiteName:         strings.TrimSpace(getenv("SITE_NAME")),
		LogLevel:         strings.TrimSpace(getenv("LOG_LEVEL")),
		BatchSize:        defaultBatchSize,
		BatchPause:       defaultBatchPause,
		PublishAPIKey:    getenv("PUBLISH_API_KEY"),
		StatsAPIKey:      getenv("STATS_API_KEY"),
		UnsubscribeSalt:  getenv("UNSUBSCRIBE_SALT"),
	}

	var errs []error
	if cfg.TableName == "" {
		errs = append(errs, errors.New("DYNAMODB_TABLE is required"))
	}
	if cfg.FromEmail == "" {
		errs = append(errs, errors.New("FROM_EMAIL is required"))
	}
	if cfg.DomainName == "" {
		errs = append(errs, errors.New("DOMAIN_NAME is required"))
	}
	if cfg.LogsTableName == "" && cfg.TableName != "" {
		cfg.LogsTableName = cfg.TableName + "-logs"
	}
	if cfg.SiteName == "" {
		cfg.SiteName = defaultSiteName
	}

	if v := strings.TrimSpace(getenv("BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxBatchSize {
			errs = append(errs, fmt.Errorf("BATCH_SIZE must be an integer between 1 and %d: got %q", maxBatchSize, v))
		} else {
			cfg.BatchSize = n
		}
	}
	if v := strings.TrimSpace(getenv("BATCH_PAUSE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("BATCH_PAUSE must be a non-negative duration: got %q", v))
		} else {
			cfg.BatchPause = d
		}
	}
	if v := strings.TrimSpace(getenv("MAX_SEND_RATE")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			errs = append(errs, fmt.Errorf("MAX_SEND_RATE must be a non-negative number: got %q", v))
		} else {
			cfg.MaxSendRate = r
		}
	}

	return cfg, errors.Join(errs...)
}

// secretParams maps each secret to the env var naming its SSM parameter.
func (c *Config) secretParams() map[string]*string {
	return map[string]*string{
		"PUBLISH_API_KEY_PARAM":  &c.PublishAPIKey,
		"STATS_API_KEY_PARAM":    &c.StatsAPIKey,
		"UNSUBSCRIBE_SALT_PARAM": &c.UnsubscribeSalt,
	}
}

// ResolveSecrets replaces secrets whose <NAME>_PARAM variable is set with the
// decrypted value of that SSM parameter. api may be nil when no parameter
// variables are set.
func (c *Config) ResolveSecrets(ctx context.Context, getenv func(string) string, api SSMGetParameterAPI) error {
	for envName, dst := range c.secretParams() {
		name := strings.TrimSpace(getenv(envName))
		if name == "" {
			continue
		}
		if api == nil {
			return fmt.Errorf("%s is set but no SSM client is available", envName)
		}
		out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("could not get SSM parameter %s: %w", name, err)
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return fmt.Errorf("SSM parameter %s has no value", name)
		}
		*dst = *out.Parameter.Value
	}

	if c.UnsubscribeSalt == "" {
		c.UnsubscribeSalt = token.DefaultSalt
	}
	return nil
}

// NeedsSSM reports whether any secret is configured to come from SSM.
func NeedsSSM(getenv func(string) string) bool {
	var c Config
	for envName := range c.secretParams() {
		if strings.TrimSpace(getenv(envName)) != "" {
			return true
		}
	}
	return false
}

// SiteURL returns the public site root.
func (c Config) SiteURL() string {
	return "https://" + c.DomainName
}
