// Package store provides access to the subscribers table.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"newsletter/types"
)

// ErrNotFound is returned when no subscriber exists for an address.
var ErrNotFound = errors.New("subscriber not found")

// ErrStatusConflict is returned when a transition is not allowed from the
// record's current status.
var ErrStatusConflict = errors.New("subscriber status does not allow this change")

// DynamoDBAPI is the subset of the DynamoDB client used by Store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBScanPaginatorAPI is a convenience wrapper over DynamoDB scan operations and is unit-testable.
type DynamoDBScanPaginatorAPI interface {
	HasMorePages() bool
	NextPage(ctx context.Context, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBNewScanPaginatorAPI is a type that allows creating instances of DynamoDBScanPaginatorAPI.
type DynamoDBNewScanPaginatorAPI func(
	client dynamodb.ScanAPIClient, params *dynamodb.ScanInput, optFns ...func(*dynamodb.ScanPaginatorOptions),
) DynamoDBScanPaginatorAPI

// NewScanPaginator wraps dynamodb.NewScanPaginator to satisfy DynamoDBNewScanPaginatorAPI.
func NewScanPaginator(
	client dynamodb.ScanAPIClient, params *dynamodb.ScanInput, optFns ...func(*dynamodb.ScanPaginatorOptions),
) DynamoDBScanPaginatorAPI {
	return dynamodb.NewScanPaginator(client, params, optFns...)
}

// Store reads and writes subscriber records keyed by email address.
type Store struct {
	ddb              DynamoDBAPI
	newScanPaginator DynamoDBNewScanPaginatorAPI
	tableName        string
}

// New creates a Store over tableName.
func New(ddb DynamoDBAPI, nsp DynamoDBNewScanPaginatorAPI, tableName string) *Store {
	return &Store{
		ddb:              ddb,
		newScanPaginator: nsp,
		tableName:        tableName,
	}
}

func key(email string) (map[string]ddbtypes.AttributeValue, error) {
	k, err := attributevalue.MarshalMap(types.SubscriberKey{Email: email})
	if err != nil {
		return nil, fmt.Errorf("could not marshal key: %w", err)
	}
	return k, nil
}

// Get returns the subscriber stored for email, or ErrNotFound.
func (s *Store) Get(ctx context.Context, email string) (types.Subscriber, error) {
	k, err := key(email)
	if err != nil {
		return types.Subscriber{}, err
	}

	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return types.Subscriber{}, fmt.Errorf("could not get subscriber: %w", err)
	}
	if len(out.Item) == 0 {
		return types.Subscriber{}, ErrNotFound
	}

	var sub types.Subscriber
	if err := attributevalue.UnmarshalMap(out.Item, &sub); err != nil {
		return types.Subscriber{}, fmt.Errorf("could not unmarshal subscriber: %w", err)
	}
	return sub, nil
}

// Put writes the complete subscriber record, replacing any existing one.
func (s *Store) Put(ctx context.Context, sub types.Subscriber) error {
	item, err := attributevalue.MarshalMap(sub)
	if err != nil {
		return fmt.Errorf("could not marshal subscriber: %w", err)
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("could not put subscriber: %w", err)
	}
	return nil
}

// update applies u to an existing record. Updates never create records, so a
// missing address results in ErrNotFound. When allowed is set, the record's
// status must also satisfy it or ErrStatusConflict is returned.
func (s *Store) update(ctx context.Context, email string, u expression.UpdateBuilder, allowed *expression.ConditionBuilder) error {
	k, err := key(email)
	if err != nil {
		return err
	}

	cond := expression.AttributeExists(expression.Name("email"))
	if allowed != nil {
		cond = cond.And(*allowed)
	}
	e, err := expression.NewBuilder().
		WithUpdate(u).
		WithCondition(cond).
		Build()
	if err != nil {
		return fmt.Errorf("error building update: %w", err)
	}

	_, err = s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 k,
		UpdateExpression:                    e.Update(),
		ConditionExpression:                 e.Condition(),
		ExpressionAttributeNames:            e.Names(),
		ExpressionAttributeValues:           e.Values(),
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) > 0 {
				return ErrStatusConflict
			}
			return ErrNotFound
		}
		return fmt.Errorf("could not update subscriber: %w", err)
	}
	return nil
}

func statusIs(status types.Status) *expression.ConditionBuilder {
	c := expression.Name("status").Equal(expression.Value(status))
	return &c
}

// notBlocked matches records that have not bounced or complained.
func notBlocked() *expression.ConditionBuilder {
	c := expression.Name("status").NotEqual(expression.Value(types.StatusBounced)).
		And(expression.Name("status").NotEqual(expression.Value(types.StatusComplained)))
	return &c
}

func setStatus(status types.Status) expression.UpdateBuilder {
	return expression.Set(expression.Name("status"), expression.Value(status))
}

// Confirm activates a pending subscriber and discards its confirmation token.
// Records in any other status return ErrStatusConflict.
func (s *Store) Confirm(ctx context.Context, email string, at time.Time) error {
	u := setStatus(types.StatusActive).
		Set(expression.Name("confirmedAt"), expression.Value(types.Timestamp(at))).
		Remove(expression.Name("confirmToken"))
	return s.update(ctx, email, u, statusIs(types.StatusPending))
}

// Unsubscription describes how and why an address left the list.
type Unsubscription struct {
	Method   string
	Reason   string
	Feedback string
}

// Unsubscribe marks the subscriber as unsubscribed. Reason and feedback are
// only written when present. Bounced and complained records are terminal and
// return ErrStatusConflict.
func (s *Store) Unsubscribe(ctx context.Context, email string, un Unsubscription, at time.Time) error {
	u := setStatus(types.StatusUnsubscribed).
		Set(expression.Name("unsubscribedAt"), expression.Value(types.Timestamp(at))).
		Set(expression.Name("unsubscribeMethod"), expression.Value(un.Method))
	if un.Reason != "" {
		u = u.Set(expression.Name("unsubscribeReason"), expression.Value(un.Reason))
	}
	if un.Feedback != "" {
		u = u.Set(expression.Name("unsubscribeFeedback"), expression.Value(un.Feedback))
	}
	return s.update(ctx, email, u, notBlocked())
}

// Resubscribe reactivates an unsubscribed address and clears the reasons it
// left. Records in any other status return ErrStatusConflict.
func (s *Store) Resubscribe(ctx context.Context, email string, at time.Time) error {
	u := setStatus(types.StatusActive).
		Set(expression.Name("resubscribedAt"), expression.Value(types.Timestamp(at))).
		Remove(expression.Name("unsubscribeReason")).
		Remove(expression.Name("unsubscribeFeedback"))
	return s.update(ctx, email, u, statusIs(types.StatusUnsubscribed))
}

// SetUnsubscribeToken stores the token embedded in newsletter footers.
func (s *Store) SetUnsubscribeToken(ctx context.Context, email, token string) error {
	u := expression.Set(expression.Name("unsubscribeToken"), expression.Value(token))
	return s.update(ctx, email, u, nil)
}

// MarkBounced records a permanent bounce.
func (s *Store) MarkBounced(ctx context.Context, email, bounceType, bounceSubType string, at time.Time) error {
	u := setStatus(types.StatusBounced).
		Set(expression.Name("bouncedAt"), expression.Value(types.Timestamp(at))).
		Set(expression.Name("bounceType"), expression.Value(bounceType)).
		Set(expression.Name("bounceSubType"), expression.Value(bounceSubType))
	return s.update(ctx, email, u, nil)
}

// RecordTransientBounce increments the transient bounce counter without
// changing the subscriber's status.
func (s *Store) RecordTransientBounce(ctx context.Context, email string, at time.Time) error {
	u := expression.Add(expression.Name("transientBounceCount"), expression.Value(1)).
		Set(expression.Name("lastTransientBounce"), expression.Value(types.Timestamp(at)))
	return s.update(ctx, email, u, nil)
}

// MarkComplained records a spam complaint.
func (s *Store) MarkComplained(ctx context.Context, email, feedbackType string, at time.Time) error {
	u := setStatus(types.StatusComplained).
		Set(expression.Name("complainedAt"), expression.Value(types.Timestamp(at))).
		Set(expression.Name("complaintFeedbackType"), expression.Value(feedbackType))
	return s.update(ctx, email, u, nil)
}

func statusFilter(status types.Status) expression.ConditionBuilder {
	return expression.Name("status").Equal(expression.Value(status))
}

// scan runs a paginated scan and hands every page to fn.
func (s *Store) scan(ctx context.Context, input *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput) error) error {
	p := s.newScanPaginator(s.ddb, input)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("could not scan subscribers: %w", err)
		}
		if err := fn(out); err != nil {
			return err
		}
	}
	return nil
}

// ListByStatus returns every subscriber with the given status.
func (s *Store) ListByStatus(ctx context.Context, status types.Status) ([]types.Subscriber, error) {
	e, err := expression.NewBuilder().WithFilter(statusFilter(status)).Build()
	if err != nil {
		return nil, fmt.Errorf("error building filter: %w", err)
	}

	subs := []types.Subscriber{}
	err = s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 &s.tableName,
		FilterExpression:          e.Filter(),
		ExpressionAttributeNames:  e.Names(),
		ExpressionAttributeValues: e.Values(),
	}, func(out *dynamodb.ScanOutput) error {
		if len(out.Items) == 0 {
			return nil
		}
		var data []types.Subscriber
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &data); err != nil {
			return fmt.Errorf("could not unmarshal subscribers: %w", err)
		}
		subs = append(subs, data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// CountByStatus returns how many subscribers have the given status.
func (s *Store) CountByStatus(ctx context.Context, status types.Status) (int, error) {
	e, err := expression.NewBuilder().WithFilter(statusFilter(status)).Build()
	if err != nil {
		return 0, fmt.Errorf("error building filter: %w", err)
	}

	count := 0
	err = s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 &s.tableName,
		Select:                    ddbtypes.SelectCount,
		FilterExpression:          e.Filter(),
		ExpressionAttributeNames:  e.Names(),
		ExpressionAttributeValues: e.Values(),
	}, func(out *dynamodb.ScanOutput) error {
		count += int(out.Count)
		return nil
	})
	return count, err
}

// Breakdown counts unsubscribed records by reason and by method.
type Breakdown struct {
	ByReason map[string]int
	ByMethod map[string]int
}

// UnsubscribeBreakdown aggregates the recorded reasons and methods of every
// unsubscribed record.
func (s *Store) UnsubscribeBreakdown(ctx context.Context) (Breakdown, error) {
	proj := expression.NamesList(expression.Name("unsubscribeReason"), expression.Name("unsubscribeMethod"))
	e, err := expression.NewBuilder().
		WithFilter(statusFilter(types.StatusUnsubscribed)).
		WithProjection(proj).
		Build()
	if err != nil {
		return Breakdown{}, fmt.Errorf("error building filter: %w", err)
	}

	b := Breakdown{ByReason: map[string]int{}, ByMethod: map[string]int{}}
	err = s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 &s.tableName,
		FilterExpression:          e.Filter(),
		ProjectionExpression:      e.Projection(),
		ExpressionAttributeNames:  e.Names(),
		ExpressionAttributeValues: e.Values(),
	}, func(out *dynamodb.ScanOutput) error {
		var data []types.Subscriber
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &data); err != nil {
			return fmt.Errorf("could not unmarshal subscribers: %w", err)
		}
		for _, sub := range data {
			if sub.UnsubscribeReason != "" {
				b.ByReason[sub.UnsubscribeReason]++
			}
			if sub.UnsubscribeMethod != "" {
				b.ByMethod[sub.UnsubscribeMethod]++
			}
		}
		return nil
	})
	if err != nil {
		return Breakdown{}, err
	}
	return b, nil
}
