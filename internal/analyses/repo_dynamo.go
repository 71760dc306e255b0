package analyses

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoTimeLayout is fixed width so string comparison orders timestamps.
const dynamoTimeLayout = "2006-01-02T15:04:05.000000Z"

// DynamoAPI is the subset of the DynamoDB client used by DynamoRepo.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoRepo implements Ledger on a DynamoDB table keyed by "id", with a
// global secondary index (OwnerIndex) on ownerId + createdAt.
type DynamoRepo struct {
	Client     DynamoAPI
	Table      string
	OwnerIndex string
	Now        func() time.Time
}

// dynamoItem is the stored shape of an Analysis.
type dynamoItem struct {
	ID               string         `dynamodbav:"id"`
	OwnerID          string         `dynamodbav:"ownerId"`
	Status           string         `dynamodbav:"status"`
	VideoKey         string         `dynamodbav:"videoKey"`
	VideoFileName    string         `dynamodbav:"videoFileName,omitempty"`
	VideoContentType string         `dynamodbav:"videoContentType,omitempty"`
	VideoSizeBytes   int64          `dynamodbav:"videoSizeBytes"`
	Intake           Intake         `dynamodbav:"intake"`
	Result           map[string]any `dynamodbav:"result,omitempty"`
	Failure          *Failure       `dynamodbav:"failure,omitempty"`
	CreatedAt        string         `dynamodbav:"createdAt"`
	UpdatedAt        string         `dynamodbav:"updatedAt"`
	StartedAt        string         `dynamodbav:"startedAt,omitempty"`
	CompletedAt      string         `dynamodbav:"completedAt,omitempty"`
}

// Create writes a new pending analysis, refusing an existing ID.
func (r *DynamoRepo) Create(ctx context.Context, analysis Analysis) (Analysis, error) {
	created, err := prepareCreate(analysis, r.now())
	if err != nil {
		return Analysis{}, err
	}
	item, err := attributevalue.MarshalMap(toDynamoItem(created))
	if err != nil {
		return Analysis{}, fmt.Errorf("marshal analysis id=%s: %w", created.ID, err)
	}
	_, err = r.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return Analysis{}, ErrDuplicateID
		}
		return Analysis{}, fmt.Errorf("PutItem id=%s: %w", created.ID, err)
	}
	return created, nil
}

// Transition rewrites the item conditioned on the status it was read with.
func (r *DynamoRepo) Transition(ctx context.Context, analysisID string, next Status, outcome Outcome) (Analysis, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := r.GetByID(ctx, analysisID)
		if err != nil {
			return Analysis{}, err
		}
		updated, err := applyTransition(current, next, outcome, r.now())
		if err != nil {
			return Analysis{}, err
		}
		item, err := attributevalue.MarshalMap(toDynamoItem(updated))
		if err != nil {
			return Analysis{}, fmt.Errorf("marshal analysis id=%s: %w", analysisID, err)
		}
		_, err = r.Client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(r.Table),
			Item:                     item,
			ConditionExpression:      aws.String("#status = :expected"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberS{Value: string(current.Status)},
			},
		})
		if err == nil {
			return updated, nil
		}
		if !isConditionFailed(err) {
			return Analysis{}, fmt.Errorf("PutItem id=%s: %w", analysisID, err)
		}
	}
	latest, err := r.GetByID(ctx, analysisID)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{}, &InvalidTransitionError{ID: analysisID, From: latest.Status, To: next}
}

// GetByID performs a strongly consistent read.
func (r *DynamoRepo) GetByID(ctx context.Context, analysisID string) (Analysis, error) {
	out, err := r.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.Table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: analysisID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("GetItem id=%s: %w", analysisID, err)
	}
	if out.Item == nil {
		return Analysis{}, ErrNotFound
	}
	return decodeDynamoItem(out.Item)
}

// ListByOwner queries the owner index newest first.
func (r *DynamoRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Analysis, error) {
	limit, offset = clampList(limit, offset)
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.Table),
		IndexName:              aws.String(r.OwnerIndex),
		KeyConditionExpression: aws.String("ownerId = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var items []map[string]types.AttributeValue
	for len(items) < offset+limit {
		out, err := r.Client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query owner=%s: %w", ownerID, err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	out := []Analysis{}
	for i := offset; i < len(items) && len(out) < limit; i++ {
		a, err := decodeDynamoItem(items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListStale scans for records in status last updated before the cutoff.
func (r *DynamoRepo) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]Analysis, error) {
	limit = clampStale(limit)
	input := &dynamodb.ScanInput{
		TableName:                aws.String(r.Table),
		FilterExpression:         aws.String("#status = :status AND updatedAt < :before"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":before": &types.AttributeValueMemberS{Value: formatDynamoTime(before)},
		},
	}

	out := []Analysis{}
	for {
		page, err := r.Client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan stale status=%s: %w", status, err)
		}
		for _, item := range page.Items {
			a, err := decodeDynamoItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DynamoRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func toDynamoItem(a Analysis) dynamoItem {
	item := dynamoItem{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		Status:           string(a.Status),
		VideoKey:         a.VideoKey,
		VideoFileName:    a.VideoFileName,
		VideoContentType: a.VideoContentType,
		VideoSizeBytes:   a.VideoSizeBytes,
		Intake:           a.Intake,
		Result:           a.Result,
		Failure:          a.Failure,
		CreatedAt:        formatDynamoTime(a.CreatedAt),
		UpdatedAt:        formatDynamoTime(a.UpdatedAt),
	}
	if a.StartedAt != nil {
		item.StartedAt = formatDynamoTime(*a.StartedAt)
	}
	if a.CompletedAt != nil {
		item.CompletedAt = formatDynamoTime(*a.CompletedAt)
	}
	return item
}

func decodeDynamoItem(raw map[string]types.AttributeValue) (Analysis, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
		return Analysis{}, fmt.Errorf("unmarshal analysis: %w", err)
	}
	a := Analysis{
		ID:               item.ID,
		OwnerID:          item.OwnerID,
		Status:           Status(item.Status),
		VideoKey:         item.VideoKey,
		VideoFileName:    item.VideoFileName,
		VideoContentType: item.VideoContentType,
		VideoSizeBytes:   item.VideoSizeBytes,
		Intake:           item.Intake,
		Result:           item.Result,
		Failure:          item.Failure,
	}
	var err error
	if a.CreatedAt, err = parseDynamoTime(item.CreatedAt); err != nil {
		return Analysis{}, fmt.Errorf("analysis id=%s createdAt: %w", item.ID, err)
	}
	if a.UpdatedAt, err = parseDynamoTime(item.UpdatedAt); err != nil {
		return Analysis{}, fmt.Errorf("analysis id=%s updatedAt: %w", item.ID, err)
	}
	if item.StartedAt != "" {
		t, err := parseDynamoTime(item.StartedAt)
		if err != nil {
			return Analysis{}, fmt.Errorf("analysis id=%s startedAt: %w", item.ID, err)
		}
		a.StartedAt = &t
	}
	if item.CompletedAt != "" {
		t, err := parseDynamoTime(item.CompletedAt)
		if err != nil {
			return Analysis{}, fmt.Errorf("analysis id=%s completedAt: %w", item.ID, err)
		}
		a.CompletedAt = &t
	}
	return a, nil
}

func formatDynamoTime(t time.Time) string {
	return t.UTC().Format(dynamoTimeLayout)
}

func parseDynamoTime(raw string) (time.Time, error) {
	return time.Parse(dynamoTimeLayout, raw)
}

var _ Ledger = (*DynamoRepo)(nil)
