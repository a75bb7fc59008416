package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

const (
	attrKey     = "lock_key"
	attrOwner   = "owner"
	attrExpires = "expires_at"

	defaultLease = 30 * time.Second
	defaultPoll  = 2 * time.Second
)

// DynamoDBAPI is the subset of the DynamoDB client the locker uses.
type DynamoDBAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBOptions configures the DynamoDB locker.
type DynamoDBOptions struct {
	Table string        `mapstructure:"table"`
	Lease time.Duration `mapstructure:"lease"`
	Poll  time.Duration `mapstructure:"poll"`
}

// DynamoDB is a Locker backed by conditional writes to a DynamoDB table. A
// held lock is renewed every third of its lease; a holder that dies loses the
// lock once the lease expires.
type DynamoDB struct {
	client DynamoDBAPI
	opts   DynamoDBOptions
	owner  string
	logger *slog.Logger
	now    func() time.Time
}

// NewDynamoDB creates a locker using the shared AWS configuration.
func NewDynamoDB(cfg awssdk.Config, opts DynamoDBOptions, logger *slog.Logger) *DynamoDB {
	return NewDynamoDBWithClient(dynamodb.NewFromConfig(cfg), opts, logger)
}

// NewDynamoDBWithClient creates a locker with an explicit client.
func NewDynamoDBWithClient(client DynamoDBAPI, opts DynamoDBOptions, logger *slog.Logger) *DynamoDB {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	return &DynamoDB{
		client: client,
		opts:   opts,
		owner:  "stackpipe-" + uuid.New().String(),
		logger: logger.With("component", "lock", "table", opts.Table),
		now:    time.Now,
	}
}

// Owner returns the identity this locker writes into held locks.
func (d *DynamoDB) Owner() string {
	return d.owner
}

// EnsureTable creates the lock table with on-demand billing. An existing
// table is left alone.
func (d *DynamoDB) EnsureTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   awssdk.String(d.opts.Table),
		BillingMode: types.BillingModePayPerRequest,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: awssdk.String(attrKey), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: awssdk.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("failed to create lock table %s: %w", d.opts.Table, err)
	}
	return nil
}

func (d *DynamoDB) Acquire(ctx context.Context, key string) (Release, error) {
	for {
		release, err := d.TryAcquire(ctx, key)
		if !errors.Is(err, ErrHeld) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.opts.Poll):
		}
	}
}

// TryAcquire writes the lock item unless a live lease exists.
func (d *DynamoDB) TryAcquire(ctx context.Context, key string) (Release, error) {
	now := d.now()
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: awssdk.String(d.opts.Table),
		Item: map[string]types.AttributeValue{
			attrKey:     &types.AttributeValueMemberS{Value: key},
			attrOwner:   &types.AttributeValueMemberS{Value: d.owner},
			attrExpires: unix(now.Add(d.opts.Lease)),
		},
		ConditionExpression:                 awssdk.String("attribute_not_exists(#k) OR #e < :now"),
		ExpressionAttributeNames:            map[string]string{"#k": attrKey, "#e": attrExpires},
		ExpressionAttributeValues:           map[string]types.AttributeValue{":now": unix(now)},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			held := &HeldError{Key: key}
			if v, ok := failed.Item[attrOwner].(*types.AttributeValueMemberS); ok {
				held.Owner = v.Value
			}
			return nil, held
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.heartbeat(hbCtx, key)
	}()

	return once(func() {
		cancel()
		<-done
		d.release(key)
	}), nil
}

func (d *DynamoDB) heartbeat(ctx context.Context, key string) {
	ticker := time.NewTicker(d.opts.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                awssdk.String(d.opts.Table),
				Key:                      map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
				UpdateExpression:         awssdk.String("SET #e = :exp"),
				ConditionExpression:      awssdk.String("#o = :owner"),
				ExpressionAttributeNames: map[string]string{"#e": attrExpires, "#o": attrOwner},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":exp":   unix(d.now().Add(d.opts.Lease)),
					":owner": &types.AttributeValueMemberS{Value: d.owner},
				},
			})
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("failed to renew lock", "key", key, "error", err)
			}
		}
	}
}

func (d *DynamoDB) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 awssdk.String(d.opts.Table),
		Key:                       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConditionExpression:       awssdk.String("#o = :owner"),
		ExpressionAttributeNames:  map[string]string{"#o": attrOwner},
		ExpressionAttributeValues: map[string]types.AttributeValue{":owner": &types.AttributeValueMemberS{Value: d.owner}},
	})
	var failed *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &failed) {
		d.logger.Warn("failed to release lock", "key", key, "error", err)
	}
}

func unix(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}
