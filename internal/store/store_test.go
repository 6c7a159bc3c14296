package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apresai/pairsim/internal/evaluation"
)

var outcome = Outcome{
	State: "stopped",
	Turns: 6,
	Evaluation: evaluation.Result{
		A: evaluation.Judgment{PersonaID: "alice", Score: 8, Notes: "fun"},
		B: evaluation.Judgment{PersonaID: "bob", Score: 3, Notes: "too loud"},
	},
	TranscriptKey: "transcripts/x.json",
}

func TestNewConversationID(t *testing.T) {
	id, err := NewConversationID()
	require.NoError(t, err)
	_, err = ulid.Parse(id)
	assert.NoError(t, err)
}

func TestMemory_lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, Conversation{ID: "c1", PersonaA: "alice", PersonaB: "bob"}))
	assert.Error(t, m.Create(ctx, Conversation{ID: "c1"}))

	require.NoError(t, m.UpdateProgress(ctx, "c1", StatusConversing, 0.5, "Turn 3 of 6"))
	got, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusConversing, got.Status)
	assert.Equal(t, "Turn 3 of 6", got.StageMessage)
	assert.NotEmpty(t, got.CreatedAt)

	require.NoError(t, m.Complete(ctx, "c1", outcome))
	got, err = m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, 8, got.ScoreA)
	assert.Equal(t, "too loud", got.NotesB)
	assert.Equal(t, "stopped", got.State)

	alice, err := m.Compatibilities(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "bob", alice[0].OtherID)
	assert.Equal(t, 8, alice[0].Score)
	bob, err := m.Compatibilities(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, 3, bob[0].Score)

	missing, err := m.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Error(t, m.Fail(ctx, "nope", "boom", Outcome{}))

	require.NoError(t, m.Create(ctx, Conversation{ID: "c2", PersonaA: "carol", PersonaB: "dave"}))
	require.NoError(t, m.Fail(ctx, "c2", "boom", Outcome{State: "rejected"}))
	got, _ = m.Get(ctx, "c2")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Failed: boom", got.StageMessage)
	assert.Equal(t, "rejected", got.State)
	rows, err := m.Compatibilities(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMemory_FailKeepsPartialOutcome(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, Conversation{ID: "c1", PersonaA: "alice", PersonaB: "bob"}))

	partial := outcome
	partial.State = "aborted"
	partial.Turns = 3
	require.NoError(t, m.Fail(ctx, "c1", "model unavailable", partial))

	got, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "model unavailable", got.ErrorMessage)
	assert.Equal(t, "aborted", got.State)
	assert.Equal(t, 3, got.Turns)
	assert.Equal(t, 8, got.ScoreA)
	assert.Equal(t, 3, got.ScoreB)

	rows, err := m.Compatibilities(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].OtherID)
	assert.Equal(t, "too loud", rows[0].Notes)
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"01A", "01C", "01B", "01E", "01D"} {
		require.NoError(t, m.Create(ctx, Conversation{ID: id}))
	}

	page, cursor, err := m.List(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"01E", "01D"}, ids(page))
	assert.Equal(t, "01D", cursor)

	page, cursor, err = m.List(ctx, 2, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"01C", "01B"}, ids(page))

	page, cursor, err = m.List(ctx, 2, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"01A"}, ids(page))
	assert.Empty(t, cursor)
}

func ids(cs []Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	puts     []*dynamodb.PutItemInput
	updates  []*dynamodb.UpdateItemInput
	queries  []*dynamodb.QueryInput
	txns     []*dynamodb.TransactWriteItemsInput
	queryOut *dynamodb.QueryOutput
	err      error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if f.err != nil {
		return nil, f.err
	}
	f.items[keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in)
	if f.queryOut == nil {
		return &dynamodb.QueryOutput{}, f.err
	}
	return f.queryOut, f.err
}

func (f *fakeDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns = append(f.txns, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.err
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func TestDynamo_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	s := NewDynamo(db, "pairsim")

	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", PersonaA: "alice", PersonaB: "bob", CreatedAt: "2026-01-02T03:04:05Z"}))
	require.Len(t, db.puts, 1)
	put := db.puts[0]
	assert.Equal(t, "pairsim", *put.TableName)
	assert.Equal(t, "attribute_not_exists(PK)", *put.ConditionExpression)
	assert.Equal(t, "CONVERSATION#c1", str(put.Item["PK"]))
	assert.Equal(t, "METADATA", str(put.Item["SK"]))
	assert.Equal(t, "CONVERSATIONS", str(put.Item["GSI1PK"]))
	assert.Equal(t, "2026-01-02T03:04:05Z#c1", str(put.Item["GSI1SK"]))
	assert.Equal(t, "submitted", str(put.Item["status"]))
	assert.Equal(t, "alice", str(put.Item["personaA"]))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bob", got.PersonaB)
	assert.Equal(t, StatusSubmitted, got.Status)

	missing, err := s.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDynamo_Complete(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	s := NewDynamo(db, "pairsim")
	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", PersonaA: "alice", PersonaB: "bob"}))

	require.NoError(t, s.Complete(ctx, "c1", outcome))
	require.Len(t, db.txns, 1)
	writes := db.txns[0].TransactItems
	require.Len(t, writes, 3)

	update := writes[0].Update
	require.NotNil(t, update)
	assert.Equal(t, "CONVERSATION#c1", str(update.Key["PK"]))
	assert.Equal(t, "complete", str(update.ExpressionAttributeValues[":status"]))
	assert.Equal(t, "stopped", str(update.ExpressionAttributeValues[":state"]))

	var rows []compatibilityItem
	for _, w := range writes[1:] {
		require.NotNil(t, w.Put)
		var row compatibilityItem
		require.NoError(t, attributevalue.UnmarshalMap(w.Put.Item, &row))
		rows = append(rows, row)
	}
	assert.Equal(t, "PERSONA#alice", rows[0].PK)
	assert.Equal(t, "PAIR#bob#c1", rows[0].SK)
	assert.Equal(t, 8, rows[0].Score)
	assert.Equal(t, "PERSONA#bob", rows[1].PK)
	assert.Equal(t, "PAIR#alice#c1", rows[1].SK)
	assert.Equal(t, "too loud", rows[1].Notes)

	assert.Error(t, s.Complete(ctx, "missing", outcome))
}

func TestDynamo_Fail(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	s := NewDynamo(db, "pairsim")
	require.NoError(t, s.Create(ctx, Conversation{ID: "c1", PersonaA: "alice", PersonaB: "bob"}))

	partial := outcome
	partial.State = "aborted"
	require.NoError(t, s.Fail(ctx, "c1", "model unavailable", partial))
	require.Len(t, db.txns, 1)
	writes := db.txns[0].TransactItems
	require.Len(t, writes, 3)
	update := writes[0].Update
	require.NotNil(t, update)
	assert.Equal(t, "failed", str(update.ExpressionAttributeValues[":status"]))
	assert.Equal(t, "model unavailable", str(update.ExpressionAttributeValues[":err"]))
	assert.Equal(t, "aborted", str(update.ExpressionAttributeValues[":state"]))
	assert.Contains(t, *update.UpdateExpression, "errorMessage = :err")
	assert.NotContains(t, *update.UpdateExpression, "progressPercent")

	// Nothing was said, so there is nothing to record per persona.
	require.NoError(t, s.Fail(ctx, "c1", "rejected", Outcome{State: "rejected"}))
	require.Len(t, db.txns, 2)
	assert.Len(t, db.txns[1].TransactItems, 1)
}

func TestDynamo_List(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	item, err := attributevalue.MarshalMap(conversationItem{
		PK: "CONVERSATION#c9", SK: "METADATA",
		Conversation: Conversation{ID: "c9", Status: StatusComplete},
	})
	require.NoError(t, err)
	db.queryOut = &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{item},
		LastEvaluatedKey: map[string]types.AttributeValue{
			"GSI1SK": &types.AttributeValueMemberS{Value: "2026-01-01T00:00:00Z#c9"},
		},
	}
	s := NewDynamo(db, "pairsim")

	list, next, err := s.List(ctx, 0, "2026-01-02T00:00:00Z#c10")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c9", list[0].ID)
	assert.Equal(t, "2026-01-01T00:00:00Z#c9", next)

	q := db.queries[0]
	assert.Equal(t, "GSI1", *q.IndexName)
	assert.Equal(t, int32(DefaultListLimit), *q.Limit)
	assert.False(t, *q.ScanIndexForward)
	assert.Equal(t, "CONVERSATION#c10", str(q.ExclusiveStartKey["PK"]))

	_, _, err = s.List(ctx, 5, "garbage")
	assert.Error(t, err)
}

func TestDynamo_Compatibilities(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	item, err := attributevalue.MarshalMap(compatibilityItem{
		PK: "PERSONA#alice", SK: "PAIR#bob#c1",
		Compatibility: Compatibility{PersonaID: "alice", OtherID: "bob", ConversationID: "c1", Score: 7},
	})
	require.NoError(t, err)
	db.queryOut = &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}

	rows, err := NewDynamo(db, "pairsim").Compatibilities(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 7, rows[0].Score)
	assert.Equal(t, "PERSONA#alice", str(db.queries[0].ExpressionAttributeValues[":pk"]))
}

func TestDynamo_errorsWrapped(t *testing.T) {
	ctx := context.Background()
	db := newFakeDynamo()
	db.err = errors.New("throttled")
	s := NewDynamo(db, "pairsim")

	assert.ErrorIs(t, s.Create(ctx, Conversation{ID: "c1"}), db.err)
	assert.ErrorIs(t, s.UpdateProgress(ctx, "c1", StatusConversing, 0.1, "x"), db.err)
	assert.ErrorIs(t, s.Fail(ctx, "c1", "x", Outcome{}), db.err)
	_, err := s.Get(ctx, "c1")
	assert.ErrorIs(t, err, db.err)
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &s3.PutObjectOutput{}, nil
}

func TestArchive_Upload(t *testing.T) {
	client := &fakeS3{}
	a := NewArchive(client, "transcripts-bucket", "https://cdn.example.com/")

	key, url, err := a.Upload(context.Background(), "c1", []byte(`{"turns":2}`))
	require.NoError(t, err)
	assert.Equal(t, "transcripts/c1.json", key)
	assert.Equal(t, "https://cdn.example.com/transcripts/c1.json", url)
	assert.Equal(t, "application/json", *client.in.ContentType)
	assert.Equal(t, int64(11), *client.in.ContentLength)
	assert.Equal(t, `{"turns":2}`, string(client.body))

	_, url, err = NewArchive(client, "b", "").Upload(context.Background(), "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://b.s3.amazonaws.com/transcripts/c2.json", url)
}
