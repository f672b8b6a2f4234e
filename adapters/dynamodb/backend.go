// Package dynamodb provides an es.Backend on Amazon DynamoDB.
//
// All streams share one table keyed by stream_id (partition key) and version
// (sort key). Version 0 of every stream is its head item holding the current
// stream version in the head attribute. An append is a single
// TransactWriteItems call that advances the head conditionally and puts one
// item per event, so either all events commit or none do.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/codewandler/evstore/core/es"
)

const (
	// MaxBatchSize is the largest batch one append can carry: DynamoDB
	// transactions hold at most 100 items and one of them is the head.
	MaxBatchSize = 99

	attrStreamID   = "stream_id"
	attrVersion    = "version"
	attrHead       = "head"
	attrEventID    = "event_id"
	attrCommitID   = "commit_id"
	attrEventType  = "event_type"
	attrPayload    = "payload"
	attrMetadata   = "metadata"
	attrRecordedAt = "recorded_at"

	maxClientRequestToken = 36
	transactionRetries    = 5
)

// API is the subset of the DynamoDB client used by the backend.
type API interface {
	dynamodb.QueryAPIClient
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

type BackendConfig struct {
	Client API
	Table  string
	Log    *slog.Logger
	// WriteLimiter throttles conditional writes client-side. nil disables it.
	WriteLimiter *rate.Limiter
}

type Backend struct {
	client  API
	table   string
	log     *slog.Logger
	limiter *rate.Limiter
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.Client == nil {
		return nil, errors.New("dynamodb: no client")
	}
	if cfg.Table == "" {
		return nil, errors.New("dynamodb: no table")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Backend{
		client:  cfg.Client,
		table:   cfg.Table,
		log:     cfg.Log.With(slog.String("backend", "dynamodb"), slog.String("table", cfg.Table)),
		limiter: cfg.WriteLimiter,
	}, nil
}

func (b *Backend) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Event,
) (es.Version, error) {
	if len(events) == 0 {
		return 0, es.ErrStoreNoEvents
	}
	if len(events) > MaxBatchSize {
		return 0, fmt.Errorf("%w: batch of %d events exceeds %d", es.ErrInvalidArgument, len(events), MaxBatchSize)
	}

	newVersion := expected + es.Version(len(events))
	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: make([]types.TransactWriteItem, 0, len(events)+1),
	}
	if token := events[0].CommitID; token != "" && len(token) <= maxClientRequestToken {
		// retries of the same commit are idempotent
		input.ClientRequestToken = aws.String(token)
	}
	input.TransactItems = append(input.TransactItems, b.headWrite(streamID, expected, newVersion))
	for _, e := range events {
		input.TransactItems = append(input.TransactItems, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(b.table),
				Item:                eventItem(streamID, e),
				ConditionExpression: aws.String("attribute_not_exists(#sid)"),
				ExpressionAttributeNames: map[string]string{
					"#sid": attrStreamID,
				},
			},
		})
	}

	for attempt := 1; ; attempt++ {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				return 0, fmt.Errorf("%w: write limiter: %w", es.ErrBackendUnavailable, err)
			}
		}

		_, err := b.client.TransactWriteItems(ctx, input)
		if err == nil {
			break
		}

		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return 0, writeFailed(err)
		}
		if conditionFailed(canceled) {
			actual, herr := b.CurrentVersion(ctx, streamID)
			if herr != nil {
				return 0, fmt.Errorf("read head after conflict: %w", herr)
			}
			if actual == expected {
				// only an event item existed, the head is inconsistent
				return 0, fmt.Errorf("%w: stream %q has events beyond its head", es.ErrBackendUnavailable, streamID)
			}
			return 0, es.NewConflictError(streamID, expected, actual)
		}
		if !transactionConflict(canceled) || attempt == transactionRetries {
			return 0, fmt.Errorf("%w: transaction canceled: %w", es.ErrBackendUnavailable, err)
		}

		// another transaction holds the head, wait for it to settle
		b.log.Debug("transaction conflict, retrying", slog.String("stream_id", streamID), slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}

	b.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		newVersion.SlogAttr(),
		slog.Int("num_events", len(events)),
	)
	return newVersion, nil
}

// writeFailed classifies a TransactWriteItems error other than a cancelled
// transaction. Only refusals the service or the dialer reported before the
// write could apply are unavailable; anything else may have committed.
func writeFailed(err error) error {
	var (
		opErr  *net.OpError
		apiErr smithy.APIError
	)
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: transact write: %w", es.ErrBackendUnavailable, err)
	}
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException",
			"RequestLimitExceeded",
			"ThrottlingException",
			"ResourceNotFoundException":
			return fmt.Errorf("%w: transact write: %w", es.ErrBackendUnavailable, err)
		case "ValidationException", "IdempotentParameterMismatchException":
			return fmt.Errorf("%w: transact write: %w", es.ErrInvalidArgument, err)
		}
	}
	return fmt.Errorf("%w: transact write: %w", es.ErrIndeterminate, err)
}

func (b *Backend) headWrite(streamID string, expected, newVersion es.Version) types.TransactWriteItem {
	if expected == es.NoStream {
		return types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(b.table),
				Item: map[string]types.AttributeValue{
					attrStreamID: &types.AttributeValueMemberS{Value: streamID},
					attrVersion:  number(0),
					attrHead:     number(newVersion),
				},
				ConditionExpression:      aws.String("attribute_not_exists(#sid)"),
				ExpressionAttributeNames: map[string]string{"#sid": attrStreamID},
			},
		}
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                aws.String(b.table),
			Key:                      headKey(streamID),
			UpdateExpression:         aws.String("SET #head = :new"),
			ConditionExpression:      aws.String("#head = :expected"),
			ExpressionAttributeNames: map[string]string{"#head": attrHead},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":new":      number(newVersion),
				":expected": number(expected),
			},
		},
	}
}

func (b *Backend) Read(ctx context.Context, streamID string, from es.Version) ([]es.Event, error) {
	if from == 0 {
		from = 1
	}

	p := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.table),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("#sid = :sid AND #ver >= :from"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrStreamID,
			"#ver": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid":  &types.AttributeValueMemberS{Value: streamID},
			":from": number(from),
		},
	})

	events := make([]es.Event, 0)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		for _, item := range page.Items {
			e, err := decodeEvent(item)
			if err != nil {
				return nil, fmt.Errorf("decode event of %q: %w", streamID, err)
			}
			events = append(events, e)
		}
	}
	return events, nil
}

func (b *Backend) CurrentVersion(ctx context.Context, streamID string) (es.Version, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(b.table),
		Key:                      headKey(streamID),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#head"),
		ExpressionAttributeNames: map[string]string{"#head": attrHead},
	})
	if err != nil {
		return 0, fmt.Errorf("get head: %w", err)
	}
	if out.Item == nil {
		return es.NoStream, nil
	}
	return versionAttr(out.Item, attrHead)
}

func conditionFailed(err *types.TransactionCanceledException) bool {
	for _, r := range err.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func transactionConflict(err *types.TransactionCanceledException) bool {
	for _, r := range err.CancellationReasons {
		if aws.ToString(r.Code) == "TransactionConflict" {
			return true
		}
	}
	return false
}

func headKey(streamID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrStreamID: &types.AttributeValueMemberS{Value: streamID},
		attrVersion:  number(0),
	}
}

func number(v es.Version) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: v.String()}
}

var _ es.Backend = (*Backend)(nil)
