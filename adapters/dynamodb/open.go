package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/time/rate"
)

const tableWaitTimeout = 2 * time.Minute

type Options struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint, e.g. for DynamoDB local.
	Endpoint string
	// AccessKeyID and SecretAccessKey set static credentials instead of the
	// default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// CreateTable creates the table when it does not exist.
	CreateTable bool
	// WriteRateLimit is the number of appends per second; 0 means unlimited.
	WriteRateLimit float64
	WriteBurst     int
	Log            *slog.Logger
}

// Open connects to DynamoDB and returns a backend for opts.Table.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	var limiter *rate.Limiter
	if opts.WriteRateLimit > 0 {
		burst := opts.WriteBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WriteRateLimit), burst)
	}

	b, err := NewBackend(BackendConfig{
		Client:       client,
		Table:        opts.Table,
		Log:          opts.Log,
		WriteLimiter: limiter,
	})
	if err != nil {
		return nil, err
	}

	if opts.CreateTable {
		if err := b.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// EnsureTable creates the events table with on-demand billing unless it
// exists, and waits until it is active.
func (b *Backend) EnsureTable(ctx context.Context) error {
	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table: %w", err)
	}

	b.log.Info("creating table")
	_, err = b.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(b.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrStreamID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrVersion), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrStreamID), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrVersion), KeyType: types.KeyTypeRange},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(b.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)}, tableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	return nil
}
