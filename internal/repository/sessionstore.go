package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"book-search-agent/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	skCriteria   = "CRITERIA#"
	ttlDuration = 48 * time.Hour // 2-day session TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// SessionReadWriter defines the session operations consumed by the pipeline.
type SessionReadWriter interface {
	GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error)
	GetLastCriteria(ctx context.Context, sessionID string) (*domain.SearchCriteria, error)
	SaveExchange(ctx context.Context, sessionID string, userTurn, assistantTurn domain.Turn, criteria *domain.SearchCriteria) error
}

// Store keeps per-session conversational state in one DynamoDB table.
// Turn items and the criteria item share the session's partition key, so
// operations on different sessions never contend.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a session Store.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK returns the sort key for a turn; RFC3339Nano keeps arrival order.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

// ttlValue returns a Unix timestamp ttlDuration in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// GetSession loads the full session view: all turns in chronological order
// plus the last resolved criteria. An unseen identifier yields an empty
// session; creation is implicit on first write.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		},
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession query: %w", err)
	}

	session := domain.Session{ID: sessionID}
	for _, item := range out.Items {
		sk, err := strAttr(item, "SK")
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
		}
		switch {
		case strings.HasPrefix(sk, skPrefixTurn):
			turn, err := itemToTurn(item)
			if err != nil {
				return domain.Session{}, fmt.Errorf("repository: GetSession unmarshal turn: %w", err)
			}
			session.Turns = append(session.Turns, turn)
		case sk == skCriteria:
			raw, err := strAttr(item, "criteria")
			if err != nil {
				return domain.Session{}, fmt.Errorf("repository: GetSession decode criteria: %w", err)
			}
			var criteria domain.SearchCriteria
			if err := json.Unmarshal([]byte(raw), &criteria); err != nil {
				return domain.Session{}, fmt.Errorf("repository: GetSession unmarshal criteria: %w", err)
			}
			session.LastCriteria = &criteria
		}
	}
	return session, nil
}

// GetRecentTurns returns up to limit turns in chronological order, newest
// window first when the history is longer than limit.
func (s *Store) GetRecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetRecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetLastCriteria returns the last resolved search criteria for a session,
// or nil when the session is new or has no criteria yet.
func (s *Store) GetLastCriteria(ctx context.Context, sessionID string) (*domain.SearchCriteria, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skCriteria},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetLastCriteria get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	raw, err := strAttr(out.Item, "criteria")
	if err != nil {
		return nil, fmt.Errorf("repository: GetLastCriteria decode: %w", err)
	}
	var criteria domain.SearchCriteria
	if err := json.Unmarshal([]byte(raw), &criteria); err != nil {
		return nil, fmt.Errorf("repository: GetLastCriteria unmarshal criteria: %w", err)
	}
	return &criteria, nil
}

// AppendTurn persists a single turn. Turn items are immutable once written.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	item, err := turnItem(sessionID, turn)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// SetLastCriteria writes or replaces the session's criteria item.
func (s *Store) SetLastCriteria(ctx context.Context, sessionID string, criteria domain.SearchCriteria) error {
	item, err := criteriaItem(sessionID, criteria)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: SetLastCriteria: %w", err)
	}
	return nil
}

// SaveExchange persists a completed request/response pair, and optionally the
// new criteria, in one transaction. The criteria update is all-or-nothing
// with the turns: a partially persisted exchange cannot occur.
func (s *Store) SaveExchange(ctx context.Context, sessionID string, userTurn, assistantTurn domain.Turn, criteria *domain.SearchCriteria) error {
	userItem, err := turnItem(sessionID, userTurn)
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	assistantItem, err := turnItem(sessionID, assistantTurn)
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}

	items := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: userItem}},
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: assistantItem}},
	}
	if criteria != nil {
		critItem, err := criteriaItem(sessionID, *criteria)
		if err != nil {
			return fmt.Errorf("repository: SaveExchange: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.tableName), Item: critItem},
		})
	}

	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

func turnItem(sessionID string, turn domain.Turn) (map[string]types.AttributeValue, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("repository: session id is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(ts)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"role":      &types.AttributeValueMemberS{Value: turn.Role},
		"content":   &types.AttributeValueMemberS{Value: turn.Content},
		"ts":        &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}, nil
}

func criteriaItem(sessionID string, criteria domain.SearchCriteria) (map[string]types.AttributeValue, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("repository: session id is required")
	}
	raw, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal criteria: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: skCriteria},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"criteria":  &types.AttributeValueMemberS{Value: string(raw)},
		"updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	var ts time.Time
	if rawTS, err := strAttr(item, "ts"); err == nil {
		ts, _ = time.Parse(time.RFC3339Nano, rawTS)
	}
	return domain.Turn{Role: role, Content: content, Timestamp: ts}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
