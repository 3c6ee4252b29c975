package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"policy-renewal-agent/internal/domain"
)

const (
	skPrefixMsg        = "MSG#"
	skState            = "STATE#"
	defaultTTLDuration = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ReadWriter defines the session state operations consumed by the renewal flow.
type ReadWriter interface {
	LoadState(ctx context.Context, sessionID string) (domain.ConversationState, bool, error)
	SaveState(ctx context.Context, state domain.ConversationState) error
	SaveTurn(ctx context.Context, state domain.ConversationState, turn domain.Turn) error
}

var _ ReadWriter = (*Client)(nil)

// Client wraps a DynamoDB table for session state.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTTL overrides the item expiry applied to state and transcript records.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{
		api:       api,
		tableName: tableName,
		ttl:       defaultTTLDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK returns the sort key for a transcript record at ts.
func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(c.ttl).Unix()
}

// LoadState returns the persisted state for a session. The boolean is false
// when the session has never been seen.
func (c *Client) LoadState(ctx context.Context, sessionID string) (domain.ConversationState, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("repository: LoadState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, false, nil
	}

	state, err := itemToState(out.Item)
	if err != nil {
		return domain.ConversationState{}, false, fmt.Errorf("repository: LoadState decode: %w", err)
	}
	if state.SessionID == "" {
		state.SessionID = sessionID
	}
	return state, true, nil
}

// SaveState writes or replaces the session state record.
func (c *Client) SaveState(ctx context.Context, state domain.ConversationState) error {
	if strings.TrimSpace(state.SessionID) == "" {
		return errors.New("repository: SaveState: session id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(c.stamp(state)),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveState: %w", err)
	}
	return nil
}

// SaveTurn writes the transcript record and the updated state in one transaction.
func (c *Client) SaveTurn(ctx context.Context, state domain.ConversationState, turn domain.Turn) error {
	if strings.TrimSpace(state.SessionID) == "" {
		return errors.New("repository: SaveTurn: session id is required")
	}
	state = c.stamp(state)
	if turn.PK == "" || turn.SK == "" {
		turn = c.NewTurn(state.SessionID, turn.Text, turn.Reply, turn.Outcome)
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      stateItem(state),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

// NewTurn constructs a Turn with PK/SK/TTL set from sessionID and the current time.
func (c *Client) NewTurn(sessionID, text, reply, outcome string) domain.Turn {
	return domain.Turn{
		PK:        sessionPK(sessionID),
		SK:        msgSK(c.now()),
		SessionID: sessionID,
		Text:      text,
		Reply:     reply,
		Outcome:   outcome,
		TTL:       c.ttlValue(),
	}
}

func (c *Client) stamp(state domain.ConversationState) domain.ConversationState {
	state.LastActivity = c.now().UTC().Format(time.RFC3339)
	state.TTL = c.ttlValue()
	return state
}

func itemToState(item map[string]types.AttributeValue) (domain.ConversationState, error) {
	if _, err := strAttr(item, "PK"); err != nil {
		return domain.ConversationState{}, err
	}
	sessionID, _ := strAttr(item, "sessionId")
	policyNumber, _ := strAttr(item, "policyNumber") // allow empty
	birthYear, _ := strAttr(item, "birthYear")       // allow empty
	awaiting, _ := strAttr(item, "awaiting")
	lastActivity, _ := strAttr(item, "lastActivity")

	var ttl int64
	if _, ok := item["ttl"]; ok {
		n, err := intAttr(item, "ttl")
		if err != nil {
			return domain.ConversationState{}, err
		}
		ttl = int64(n)
	}

	return domain.ConversationState{
		SessionID:    sessionID,
		PolicyNumber: policyNumber,
		BirthYear:    birthYear,
		Awaiting:     domain.Step(awaiting),
		LastActivity: lastActivity,
		TTL:          ttl,
	}, nil
}

func stateItem(state domain.ConversationState) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(state.SessionID)},
		"SK":           &types.AttributeValueMemberS{Value: skState},
		"sessionId":    &types.AttributeValueMemberS{Value: state.SessionID},
		"policyNumber": &types.AttributeValueMemberS{Value: state.PolicyNumber},
		"birthYear":    &types.AttributeValueMemberS{Value: state.BirthYear},
		"awaiting":     &types.AttributeValueMemberS{Value: string(state.Awaiting)},
		"lastActivity": &types.AttributeValueMemberS{Value: state.LastActivity},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(state.TTL, 10)},
	}
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: turn.PK},
		"SK":        &types.AttributeValueMemberS{Value: turn.SK},
		"sessionId": &types.AttributeValueMemberS{Value: turn.SessionID},
		"text":      &types.AttributeValueMemberS{Value: turn.Text},
		"reply":     &types.AttributeValueMemberS{Value: turn.Reply},
		"outcome":   &types.AttributeValueMemberS{Value: turn.Outcome},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.TTL, 10)},
	}
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
