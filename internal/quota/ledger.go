// quota tracks per-user active-VPN counts against per-role maximums in
// DynamoDB. The counter only ever goes up: termination does not decrement
// it. Admission is ActiveCount < RoleMax, and the increment is a single
// server-side conditional update so concurrent deploys by the same user
// cannot lose updates.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/chainguard-dev/clog"
)

// ErrLimitReached is returned by Admit when the user is at their role's max.
var ErrLimitReached = errors.New("VPN limit reached")

const defaultRoleMax = 1

type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type Ledger struct {
	client    API
	userTable string
	roleTable string
}

func NewLedger(client API, userTable, roleTable string) *Ledger {
	return &Ledger{client: client, userTable: userTable, roleTable: roleTable}
}

type userRecord struct {
	UserID string `dynamodbav:"uuid"`
	Count  int    `dynamodbav:"count"`
}

type roleRecord struct {
	Role     string `dynamodbav:"role"`
	MaxCount int    `dynamodbav:"max_count"`
}

// ActiveCount returns the user's active-VPN count, lazily creating a zero
// record on first read. The create is conditional on the record still being
// absent, so a concurrent first-read (or a racing increment) is never
// overwritten.
func (l *Ledger) ActiveCount(ctx context.Context, userID string) (int, error) {
	rec, found, err := l.getUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if found {
		return rec.Count, nil
	}

	item, err := attributevalue.MarshalMap(userRecord{UserID: userID, Count: 0})
	if err != nil {
		return 0, fmt.Errorf("encoding quota record: %w", err)
	}
	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(l.userTable),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#u)"),
		ExpressionAttributeNames: map[string]string{"#u": "uuid"},
	})
	if err != nil {
		var conditional *ddbtypes.ConditionalCheckFailedException
		if !errors.As(err, &conditional) {
			return 0, fmt.Errorf("creating quota record for %s: %w", userID, err)
		}
		// Lost the create race; read whatever won.
		rec, _, err := l.getUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		return rec.Count, nil
	}
	return 0, nil
}

// RoleMax returns the maximum active-VPN count for a role, defaulting to 1
// for unknown roles or roles with no explicit limit.
func (l *Ledger) RoleMax(ctx context.Context, role string) (int, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"role": role})
	if err != nil {
		return 0, fmt.Errorf("encoding role key: %w", err)
	}
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.roleTable),
		Key:       key,
	})
	if err != nil {
		return 0, fmt.Errorf("reading role limit for %s: %w", role, err)
	}
	if out.Item == nil {
		return defaultRoleMax, nil
	}
	var rec roleRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return 0, fmt.Errorf("decoding role limit for %s: %w", role, err)
	}
	if rec.MaxCount < 1 {
		return defaultRoleMax, nil
	}
	return rec.MaxCount, nil
}

// Increment atomically adds one to the user's count, creating the record if
// it does not exist. This is a single server-side update expression, not a
// read-modify-write.
func (l *Ledger) Increment(ctx context.Context, userID string) error {
	key, err := attributevalue.MarshalMap(map[string]string{"uuid": userID})
	if err != nil {
		return fmt.Errorf("encoding quota key: %w", err)
	}
	_, err = l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(l.userTable),
		Key:                      key,
		UpdateExpression:         aws.String("SET #c = if_not_exists(#c, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{"#c": "count"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":zero": &ddbtypes.AttributeValueMemberN{Value: "0"},
			":one":  &ddbtypes.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("incrementing count for %s: %w", userID, err)
	}
	return nil
}

// Admit checks the admission rule for a deploy and, when admitted, reserves
// the quota immediately. There is no compensating decrement if provisioning
// later fails.
func (l *Ledger) Admit(ctx context.Context, userID, role string) error {
	count, err := l.ActiveCount(ctx, userID)
	if err != nil {
		return err
	}
	max, err := l.RoleMax(ctx, role)
	if err != nil {
		return err
	}
	if count >= max {
		clog.FromContext(ctx).Info("deploy denied by quota",
			"user", userID, "role", role, "count", count, "max", max)
		return ErrLimitReached
	}
	return l.Increment(ctx, userID)
}

func (l *Ledger) getUser(ctx context.Context, userID string) (userRecord, bool, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"uuid": userID})
	if err != nil {
		return userRecord{}, false, fmt.Errorf("encoding quota key: %w", err)
	}
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.userTable),
		Key:       key,
	})
	if err != nil {
		return userRecord{}, false, fmt.Errorf("reading quota record for %s: %w", userID, err)
	}
	if out.Item == nil {
		return userRecord{}, false, nil
	}
	var rec userRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return userRecord{}, false, fmt.Errorf("decoding quota record for %s: %w", userID, err)
	}
	return rec, true, nil
}
