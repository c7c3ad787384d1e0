// Package metrics publishes newsletter counters to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"
)

// Namespace groups every newsletter metric.
const Namespace = "Newsletter"

// Metric names.
const (
	Subscriptions   = "Subscriptions"
	Unsubscribes    = "Unsubscribes"
	Resubscribes    = "Resubscribes"
	NewslettersSent = "NewslettersSent"
	EmailsSentTotal = "EmailsSentTotal"
	EmailsFailed    = "EmailsFailed"
)

// CloudWatchPutMetricDataAPI allows publishing metric data.
type CloudWatchPutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder publishes counts. Failures are logged and otherwise ignored so that
// a metrics outage never fails a request.
type Recorder struct {
	api CloudWatchPutMetricDataAPI
	log zerolog.Logger
	now func() time.Time
}

// New creates a Recorder.
func New(api CloudWatchPutMetricDataAPI, log zerolog.Logger) *Recorder {
	return &Recorder{api: api, log: log, now: time.Now}
}

// Count records value for the named metric. dims are name/value pairs.
func (r *Recorder) Count(ctx context.Context, name string, value float64, dims ...string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(r.now()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	_, err := r.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(Namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		r.log.Error().Err(err).Str("metric", name).Msg("could not publish metric")
	}
}
