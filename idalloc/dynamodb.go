package idalloc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the subset of the DynamoDB API used by DynamoDBCounter.
type DDBClient interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBCounter keeps counters in a DynamoDB table.
//
// Table schema:
//   - Partition key: scope (string)
//   - Attribute: counter_value (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name schemareg-ids \
//	  --attribute-definitions AttributeName=scope,AttributeType=S \
//	  --key-schema AttributeName=scope,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDBCounter struct {
	client DDBClient
	table  string
	// prefix namespaces scopes when several registries share a table.
	prefix string
}

// NewDynamoDBCounter creates a counter on table. Scopes are stored as
// prefix+scope.
func NewDynamoDBCounter(client DDBClient, table, prefix string) *DynamoDBCounter {
	return &DynamoDBCounter{client: client, table: table, prefix: prefix}
}

func (c *DynamoDBCounter) key(scope string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"scope": &types.AttributeValueMemberS{Value: c.prefix + scope},
	}
}

// Seed implements Counter. A counter already at or above floor is left
// untouched.
func (c *DynamoDBCounter) Seed(ctx context.Context, scope string, floor int64) error {
	_, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.table),
		Key:                 c.key(scope),
		UpdateExpression:    aws.String("SET #v = :floor"),
		ConditionExpression: aws.String("attribute_not_exists(#v) OR #v < :floor"),
		ExpressionAttributeNames: map[string]string{
			"#v": "counter_value",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":floor": &types.AttributeValueMemberN{Value: strconv.FormatInt(floor, 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("idalloc: seed %s: %w", scope, err)
	}
	return nil
}

// Add implements Counter.
func (c *DynamoDBCounter) Add(ctx context.Context, scope string, delta int64) (int64, error) {
	out, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.table),
		Key:              c.key(scope),
		UpdateExpression: aws.String("ADD #v :d"),
		ExpressionAttributeNames: map[string]string{
			"#v": "counter_value",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("idalloc: add %s: %w", scope, err)
	}
	attr, ok := out.Attributes["counter_value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("idalloc: invalid counter_value attribute in DynamoDB")
	}
	v, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idalloc: parse counter_value: %w", err)
	}
	return v, nil
}
