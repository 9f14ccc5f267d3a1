package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/schemareg/model"
)

// DDBClient is the subset of the DynamoDB API used by DynamoDBBackend.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBBackend keeps lock tokens in a DynamoDB table, for deployments
// where the graph store cannot swap atomically.
//
// Table schema:
//   - Partition key: schema (string), the SchemaRef string form
//   - Attributes: lock_token (string), last_modified (string, RFC 3339)
type DynamoDBBackend struct {
	client DDBClient
	table  string
}

// NewDynamoDBBackend creates a backend on table.
func NewDynamoDBBackend(client DDBClient, table string) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, table: table}
}

func (b *DynamoDBBackend) key(ref model.SchemaRef) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"schema": &types.AttributeValueMemberS{Value: ref.String()},
	}
}

// Register creates the lock item of a new schema in the Unlocked state. An
// existing item is left untouched.
func (b *DynamoDBBackend) Register(ctx context.Context, ref model.SchemaRef, at time.Time) error {
	_, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item: map[string]types.AttributeValue{
			"schema":        &types.AttributeValueMemberS{Value: ref.String()},
			"lock_token":    &types.AttributeValueMemberS{Value: string(model.Unlocked)},
			"last_modified": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#s)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "schema",
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("lock: register %s in DynamoDB: %w", ref, err)
	}
	return nil
}

// Load implements Backend.
func (b *DynamoDBBackend) Load(ctx context.Context, ref model.SchemaRef) (model.LockToken, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            b.key(ref),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("lock: read %s from DynamoDB: %w", ref, err)
	}
	if out.Item == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	attr, ok := out.Item["lock_token"].(*types.AttributeValueMemberS)
	if !ok || model.LockToken(attr.Value).IsUnlocked() {
		return model.Unlocked, nil
	}
	return model.LockToken(attr.Value), nil
}

// CompareAndSwap implements Backend.
func (b *DynamoDBBackend) CompareAndSwap(ctx context.Context, ref model.SchemaRef, old, new model.LockToken, at time.Time) (bool, error) {
	if old.IsUnlocked() {
		old = model.Unlocked
	}
	_, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(b.table),
		Key:                 b.key(ref),
		UpdateExpression:    aws.String("SET lock_token = :new, last_modified = :at"),
		ConditionExpression: aws.String("attribute_exists(#s) AND lock_token = :old"),
		ExpressionAttributeNames: map[string]string{
			"#s": "schema",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberS{Value: string(new)},
			":old": &types.AttributeValueMemberS{Value: string(old)},
			":at":  &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err == nil {
		return true, nil
	}
	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return false, fmt.Errorf("lock: swap %s in DynamoDB: %w", ref, err)
	}
	// Tell a lost race apart from a missing schema.
	if _, err := b.Load(ctx, ref); err != nil {
		return false, err
	}
	return false, nil
}
