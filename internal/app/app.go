// Package app wires the AWS clients, configuration and shared services that
// every function entrypoint needs.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"

	"newsletter/internal/activity"
	"newsletter/internal/config"
	"newsletter/internal/handler/confirm"
	"newsletter/internal/handler/publish"
	"newsletter/internal/handler/resubscribe"
	"newsletter/internal/handler/sesevents"
	"newsletter/internal/handler/stats"
	"newsletter/internal/handler/subscribe"
	"newsletter/internal/handler/unsubscribe"
	"newsletter/internal/logging"
	"newsletter/internal/mail"
	"newsletter/internal/metrics"
	"newsletter/internal/store"
)

// App holds the services shared by the handlers.
type App struct {
	Config   config.Config
	Log      zerolog.Logger
	Store    *store.Store
	Mailer   *mail.Sender
	Metrics  *metrics.Recorder
	Activity *activity.Log
	Site     mail.Site
}

var logWriter io.Writer = os.Stdout

// snsConfirmTimeout bounds the certificate and SubscribeURL requests made by the SES webhook.
const snsConfirmTimeout = 10 * time.Second

// Load reads configuration through getenv, resolves secrets and creates the
// AWS clients. It runs once per cold start.
func Load(ctx context.Context, function string, getenv func(string) string) (*App, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log := logging.New(logWriter, getenv("LOG_LEVEL"), function)

	cfg, err := config.FromEnv(getenv)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS configuration: %w", err)
	}

	var ssmClient config.SSMGetParameterAPI
	if config.NeedsSSM(getenv) {
		ssmClient = ssm.NewFromConfig(awsCfg)
	}
	if err := cfg.ResolveSecrets(ctx, getenv, ssmClient); err != nil {
		return nil, err
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	ses := sesv2.NewFromConfig(awsCfg, mail.WithRetry)
	cw := cloudwatch.NewFromConfig(awsCfg)

	return &App{
		Config: cfg,
		Log:    log,
		Store:  store.New(ddb, store.NewScanPaginator, cfg.TableName),
		Mailer: mail.New(mail.Config{
			SendEmailAPI:     ses,
			FromEmailAddress: cfg.FromEmail,
			ConfigurationSet: cfg.ConfigurationSet,
			MaxRate:          cfg.MaxSendRate,
		}),
		Metrics:  metrics.New(cw, log),
		Activity: activity.New(ddb, cfg.LogsTableName, log),
		Site:     mail.Site{Name: cfg.SiteName, URL: cfg.SiteURL()},
	}, nil
}

// Subscribe builds the subscribe handler.
func (a *App) Subscribe() *subscribe.Handler {
	return subscribe.New(subscribe.Config{
		Store:      a.Store,
		Mailer:     a.Mailer,
		Metrics:    a.Metrics,
		Site:       a.Site,
		DomainName: a.Config.DomainName,
		Logger:     a.Log,
	})
}

// Confirm builds the confirm handler.
func (a *App) Confirm() *confirm.Handler {
	return confirm.New(confirm.Config{
		Store:      a.Store,
		Mailer:     a.Mailer,
		Site:       a.Site,
		DomainName: a.Config.DomainName,
		Logger:     a.Log,
	})
}

// Unsubscribe builds the handler serving both the email link and the API.
func (a *App) Unsubscribe() *unsubscribe.Handler {
	return unsubscribe.New(unsubscribe.Config{
		Store:      a.Store,
		Metrics:    a.Metrics,
		Activity:   a.Activity,
		SiteURL:    a.Config.SiteURL(),
		DomainName: a.Config.DomainName,
		Salt:       a.Config.UnsubscribeSalt,
		Logger:     a.Log,
	})
}

// Resubscribe builds the resubscribe handler.
func (a *App) Resubscribe() *resubscribe.Handler {
	return resubscribe.New(resubscribe.Config{
		Store:      a.Store,
		Metrics:    a.Metrics,
		DomainName: a.Config.DomainName,
		Logger:     a.Log,
	})
}

// Publish builds the publish handler.
func (a *App) Publish() *publish.Handler {
	return publish.New(publish.Config{
		Store:      a.Store,
		Mailer:     a.Mailer,
		Metrics:    a.Metrics,
		Activity:   a.Activity,
		Site:       a.Site,
		APIKey:     a.Config.PublishAPIKey,
		Salt:       a.Config.UnsubscribeSalt,
		BatchSize:  a.Config.BatchSize,
		BatchPause: a.Config.BatchPause,
		Logger:     a.Log,
	})
}

// SESEvents builds the bounce and complaint handler.
func (a *App) SESEvents() *sesevents.Handler {
	return sesevents.New(sesevents.Config{
		Store:      a.Store,
		HTTPClient: &http.Client{Timeout: snsConfirmTimeout},
		TopicARN:   a.Config.SESTopicARN,
		Logger:     a.Log,
	})
}

// Stats builds the stats handler.
func (a *App) Stats() *stats.Handler {
	return stats.New(stats.Config{
		Store:  a.Store,
		APIKey: a.Config.StatsAPIKey,
		Logger: a.Log,
	})
}
