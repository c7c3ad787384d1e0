package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFunc(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"DYNAMODB_TABLE": "subscribers",
		"FROM_EMAIL":     "news@example.com",
		"DOMAIN_NAME":    "example.com",
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		cfg, err := FromEnv(envFunc(baseEnv()))
		require.NoError(t, err)

		assert.Equal(t, "subscribers", cfg.TableName)
		assert.Equal(t, "subscribers-logs", cfg.LogsTableName)
		assert.Equal(t, "Build MLOps", cfg.SiteName)
		assert.Equal(t, 50, cfg.BatchSize)
		assert.Equal(t, time.Second, cfg.BatchPause)
		assert.Zero(t, cfg.MaxSendRate)
		assert.Equal(t, "https://example.com", cfg.SiteURL())
	})

	t.Run("reads overrides", func(t *testing.T) {
		env := baseEnv()
		env["NEWSLETTER_LOGS_TABLE"] = "audit"
		env["BATCH_SIZE"] = "10"
		env["BATCH_PAUSE"] = "250ms"
		env["MAX_SEND_RATE"] = "14"
		env["SITE_NAME"] = "Weekly"
		env["PUBLISH_API_KEY"] = "publish-key"
		env["SES_TOPIC_ARN"] = " arn:aws:sns:us-east-1:123456789012:ses-events "

		cfg, err := FromEnv(envFunc(env))
		require.NoError(t, err)

		assert.Equal(t, "audit", cfg.LogsTableName)
		assert.Equal(t, 10, cfg.BatchSize)
		assert.Equal(t, 250*time.Millisecond, cfg.BatchPause)
		assert.Equal(t, 14.0, cfg.MaxSendRate)
		assert.Equal(t, "Weekly", cfg.SiteName)
		assert.Equal(t, "publish-key", cfg.PublishAPIKey)
		assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:ses-events", cfg.SESTopicARN)
	})

	t.Run("reports every invalid value", func(t *testing.T) {
		_, err := FromEnv(envFunc(map[string]string{
			"BATCH_SIZE":    "500",
			"BATCH_PAUSE":   "soon",
			"MAX_SEND_RATE": "-1",
		}))
		require.Error(t, err)
		for _, msg := range []string{"DYNAMODB_TABLE", "FROM_EMAIL", "DOMAIN_NAME", "BATCH_SIZE", "BATCH_PAUSE", "MAX_SEND_RATE"} {
			assert.ErrorContains(t, err, msg)
		}
	})
}

type mockSSMGetParameterAPI struct {
	*testing.T
	values map[string]string
	err    error
	calls  int
}

func (m *mockSSMGetParameterAPI) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.calls++
	if params == nil || params.Name == nil {
		m.Fatal("GetParameter: got nil params or name")
	}
	if !aws.ToBool(params.WithDecryption) {
		m.Errorf("GetParameter: expected WithDecryption for %s", *params.Name)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &ssm.GetParameterOutput{
		Parameter: &ssmtypes.Parameter{Value: aws.String(m.values[*params.Name])},
	}, nil
}

func TestResolveSecrets(t *testing.T) {
	t.Run("reads parameters from SSM", func(t *testing.T) {
		env := baseEnv()
		env["PUBLISH_API_KEY_PARAM"] = "/newsletter/publish"
		env["UNSUBSCRIBE_SALT_PARAM"] = "/newsletter/salt"
		env["STATS_API_KEY"] = "plain-stats"

		cfg, err := FromEnv(envFunc(env))
		require.NoError(t, err)
		require.True(t, NeedsSSM(envFunc(env)))

		m := &mockSSMGetParameterAPI{T: t, values: map[string]string{
			"/newsletter/publish": "secret-publish",
			"/newsletter/salt":    "secret-salt",
		}}
		require.NoError(t, cfg.ResolveSecrets(context.Background(), envFunc(env), m))

		assert.Equal(t, 2, m.calls)
		assert.Equal(t, "secret-publish", cfg.PublishAPIKey)
		assert.Equal(t, "secret-salt", cfg.UnsubscribeSalt)
		assert.Equal(t, "plain-stats", cfg.StatsAPIKey)
	})

	t.Run("defaults the salt without SSM", func(t *testing.T) {
		env := baseEnv()
		cfg, err := FromEnv(envFunc(env))
		require.NoError(t, err)
		require.False(t, NeedsSSM(envFunc(env)))

		require.NoError(t, cfg.ResolveSecrets(context.Background(), envFunc(env), nil))
		assert.Equal(t, "default-salt", cfg.UnsubscribeSalt)
	})

	t.Run("passes through SSM errors", func(t *testing.T) {
		env := baseEnv()
		env["STATS_API_KEY_PARAM"] = "/newsletter/stats"
		cfg, err := FromEnv(envFunc(env))
		require.NoError(t, err)

		apiErr := errors.New("access denied")
		err = cfg.ResolveSecrets(context.Background(), envFunc(env), &mockSSMGetParameterAPI{T: t, err: apiErr})
		assert.ErrorIs(t, err, apiErr)
	})

	t.Run("requires a client when parameters are configured", func(t *testing.T) {
		env := baseEnv()
		env["STATS_API_KEY_PARAM"] = "/newsletter/stats"
		cfg, err := FromEnv(envFunc(env))
		require.NoError(t, err)

		assert.Error(t, cfg.ResolveSecrets(context.Background(), envFunc(env), nil))
	})
}
