package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

const (
	conversationPrefix = "CONVERSATION#"
	personaPrefix      = "PERSONA#"
	pairPrefix         = "PAIR#"
	metadataSK         = "METADATA"
	listPK             = "CONVERSATIONS"
)

type conversationItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	Conversation
}

type compatibilityItem struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`
	Compatibility
}

// Dynamo stores conversations in a single DynamoDB table. Conversation
// metadata lives under CONVERSATION#<id>/METADATA and is listed newest first
// through GSI1; each persona's judgments live under PERSONA#<id> with sort
// keys PAIR#<other>#<conversation>.
type Dynamo struct {
	client    DynamoAPI
	tableName string
}

// NewDynamo creates a DynamoDB-backed Recorder.
func NewDynamo(client DynamoAPI, tableName string) *Dynamo {
	return &Dynamo{client: client, tableName: tableName}
}

func conversationKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: conversationPrefix + id},
		"SK": &types.AttributeValueMemberS{Value: metadataSK},
	}
}

// Create inserts a new conversation with status=submitted.
func (s *Dynamo) Create(ctx context.Context, c Conversation) error {
	if c.CreatedAt == "" {
		c.CreatedAt = now()
	}
	c.Status = StatusSubmitted
	item := conversationItem{
		PK:           conversationPrefix + c.ID,
		SK:           metadataSK,
		GSI1PK:       listPK,
		GSI1SK:       c.CreatedAt + "#" + c.ID,
		Conversation: c,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal conversation item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("put conversation item: %w", err)
	}
	return nil
}

// UpdateProgress updates the conversation's status, progress percent, and stage message.
func (s *Dynamo) UpdateProgress(ctx context.Context, id string, status Status, percent float64, message string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              conversationKey(id),
		UpdateExpression: aws.String("SET #status = :status, progressPercent = :pct, stageMessage = :msg"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":pct":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%.2f", percent)},
			":msg":    &types.AttributeValueMemberS{Value: message},
		},
	})
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete marks the conversation complete and writes one compatibility
// row per persona in the same transaction.
func (s *Dynamo) Complete(ctx context.Context, id string, out Outcome) error {
	if err := s.finish(ctx, id, StatusComplete, "", out); err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	return nil
}

// Fail marks the conversation as failed with an error message. Whatever the
// run produced before it stopped is stored with it.
func (s *Dynamo) Fail(ctx context.Context, id, errMsg string, out Outcome) error {
	if err := s.finish(ctx, id, StatusFailed, errMsg, out); err != nil {
		return fmt.Errorf("fail conversation: %w", err)
	}
	return nil
}

func (s *Dynamo) finish(ctx context.Context, id string, status Status, errMsg string, out Outcome) error {
	at := now()
	expr := "SET #status = :status, stageMessage = :msg, #state = :state, turns = :turns, scoreA = :sa, scoreB = :sb, notesA = :na, notesB = :nb, transcriptKey = :tk, transcriptUrl = :tu, completedAt = :at"
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: string(status)},
		":state":  &types.AttributeValueMemberS{Value: out.State},
		":turns":  &types.AttributeValueMemberN{Value: fmt.Sprint(out.Turns)},
		":sa":     &types.AttributeValueMemberN{Value: fmt.Sprint(out.Evaluation.A.Score)},
		":sb":     &types.AttributeValueMemberN{Value: fmt.Sprint(out.Evaluation.B.Score)},
		":na":     &types.AttributeValueMemberS{Value: out.Evaluation.A.Notes},
		":nb":     &types.AttributeValueMemberS{Value: out.Evaluation.B.Notes},
		":tk":     &types.AttributeValueMemberS{Value: out.TranscriptKey},
		":tu":     &types.AttributeValueMemberS{Value: out.TranscriptURL},
		":at":     &types.AttributeValueMemberS{Value: at},
	}
	if status == StatusFailed {
		expr += ", errorMessage = :err"
		values[":err"] = &types.AttributeValueMemberS{Value: errMsg}
		values[":msg"] = &types.AttributeValueMemberS{Value: "Failed: " + errMsg}
	} else {
		expr += ", progressPercent = :pct"
		values[":pct"] = &types.AttributeValueMemberN{Value: "1.00"}
		values[":msg"] = &types.AttributeValueMemberS{Value: "Complete"}
	}

	writes := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:        &s.tableName,
			Key:              conversationKey(id),
			UpdateExpression: aws.String(expr),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
				"#state":  "state",
			},
			ExpressionAttributeValues: values,
		},
	}}

	if out.judged() {
		c, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%s not found", id)
		}
		for _, compat := range compatibilities(*c, out.Evaluation, at) {
			av, err := attributevalue.MarshalMap(compatibilityItem{
				PK:            personaPrefix + compat.PersonaID,
				SK:            pairPrefix + compat.OtherID + "#" + compat.ConversationID,
				Compatibility: compat,
			})
			if err != nil {
				return fmt.Errorf("marshal compatibility item: %w", err)
			}
			writes = append(writes, types.TransactWriteItem{
				Put: &types.Put{TableName: &s.tableName, Item: av},
			})
		}
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	return err
}

// Get retrieves a single conversation by ID.
func (s *Dynamo) Get(ctx context.Context, id string) (*Conversation, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key:       conversationKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var item conversationItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &item.Conversation, nil
}

// List returns conversations ordered by creation time (newest first) via GSI1.
func (s *Dynamo) List(ctx context.Context, limit int, cursor string) ([]Conversation, string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: listPK},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	if cursor != "" {
		// The cursor is the GSI1SK of the last item: {timestamp}#{id}.
		parts := strings.SplitN(cursor, "#", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, "", fmt.Errorf("invalid cursor format")
		}
		key := conversationKey(parts[1])
		key["GSI1PK"] = &types.AttributeValueMemberS{Value: listPK}
		key["GSI1SK"] = &types.AttributeValueMemberS{Value: cursor}
		input.ExclusiveStartKey = key
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("list conversations: %w", err)
	}

	var items []conversationItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, "", fmt.Errorf("unmarshal conversation list: %w", err)
	}
	out := make([]Conversation, len(items))
	for i, item := range items {
		out[i] = item.Conversation
	}

	var nextCursor string
	if result.LastEvaluatedKey != nil {
		if gsi1sk, ok := result.LastEvaluatedKey["GSI1SK"].(*types.AttributeValueMemberS); ok {
			nextCursor = gsi1sk.Value
		}
	}
	return out, nextCursor, nil
}

// Compatibilities returns every judgment personaID has made.
func (s *Dynamo) Compatibilities(ctx context.Context, personaID string) ([]Compatibility, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: personaPrefix + personaID},
			":sk": &types.AttributeValueMemberS{Value: pairPrefix},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query compatibilities: %w", err)
	}

	var items []compatibilityItem
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshal compatibilities: %w", err)
	}
	out := make([]Compatibility, len(items))
	for i, item := range items {
		out[i] = item.Compatibility
	}
	return out, nil
}
