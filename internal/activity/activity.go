// Package activity writes audit entries to the newsletter logs table.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"newsletter/types"
)

// DynamoDBPutItemAPI allows writing single items.
type DynamoDBPutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

const (
	sendRetention        = 90 * 24 * time.Hour
	unsubscribeRetention = 365 * 24 * time.Hour
)

// Log writes entries to the logs table. Write failures are logged and never
// returned to the caller.
type Log struct {
	api       DynamoDBPutItemAPI
	tableName string
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a Log over tableName.
func New(api DynamoDBPutItemAPI, tableName string, log zerolog.Logger) *Log {
	return &Log{
		api:       api,
		tableName: tableName,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// NewsletterSent records the outcome of a newsletter send.
func (l *Log) NewsletterSent(ctx context.Context, stats types.SendStats) {
	l.put(ctx, types.ActivityNewsletterSend, sendRetention, stats)
}

// Unsubscribed records an address leaving the list.
func (l *Log) Unsubscribed(ctx context.Context, ev types.UnsubscribeEvent) {
	l.put(ctx, types.ActivityUnsubscribe, unsubscribeRetention, ev)
}

func (l *Log) put(ctx context.Context, kind string, retention time.Duration, payload any) {
	if err := l.write(ctx, kind, retention, payload); err != nil {
		l.log.Error().Err(err).Str("table", l.tableName).Str("type", kind).Msg("could not write activity entry")
	}
}

// write stores payload with the common id, type and ttl attributes added.
func (l *Log) write(ctx context.Context, kind string, retention time.Duration, payload any) error {
	item, err := attributevalue.MarshalMap(payload)
	if err != nil {
		return fmt.Errorf("could not marshal entry: %w", err)
	}
	item["id"] = &ddbtypes.AttributeValueMemberS{Value: kind + "-" + l.newID()}
	item["type"] = &ddbtypes.AttributeValueMemberS{Value: kind}
	item["ttl"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(l.now().Add(retention).Unix(), 10)}

	_, err = l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &l.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("could not put entry: %w", err)
	}
	return nil
}
