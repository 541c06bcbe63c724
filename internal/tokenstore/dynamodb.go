package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB attribute names. The table uses account_id as partition key and kind as sort key.
const (
	attrAccountID      = "account_id"
	attrKind           = "kind"
	attrRefreshToken   = "refresh_token"
	attrAccessToken    = "access_token"
	attrExpiresAt      = "expires_at"
	attrUpdatedAt      = "updated_at"
	attrOwnerID        = "owner_id"
	attrAcquiredAt     = "acquired_at"
	attrLeaseExpiresAt = "lease_expires_at"
	// attrTTL lets DynamoDB's TTL reaper delete abandoned lease rows.
	attrTTL = "ttl"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoConfig describes how to reach the DynamoDB table.
type DynamoConfig struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint (DynamoDB Local, LocalStack).
	Endpoint string
	// AccessKeyID and SecretAccessKey select static credentials instead of the
	// default credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoClient creates a DynamoDB client from cfg using the default AWS config chain.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// DynamoStore is the durable table backed by DynamoDB. Profile and lease rows share the
// account's partition and are told apart by the kind sort key.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// Compile-time check to ensure DynamoStore implements DurableStore
var _ DurableStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore over table. If now is nil, time.Now is used.
func NewDynamoStore(client DynamoAPI, table string, now func() time.Time) (*DynamoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DynamoDB client")
	}
	if table == "" {
		return nil, fmt.Errorf("table name cannot be empty")
	}
	if now == nil {
		now = time.Now
	}
	return &DynamoStore{client: client, table: table, now: now}, nil
}

// Name implements Store.
func (d *DynamoStore) Name() string { return "dynamodb" }

// Get implements Store with a strongly consistent read of the profile row.
func (d *DynamoStore) Get(ctx context.Context, accountID string) Result {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(accountID, KindProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Failed(fmt.Errorf("dynamodb get: %w", err))
	}
	if len(out.Item) == 0 {
		return NotFound()
	}

	rec := Record{
		RefreshToken: stringAttr(out.Item, attrRefreshToken),
		AccessToken:  stringAttr(out.Item, attrAccessToken),
	}
	if rec.ExpiresAt, err = timeAttr(out.Item, attrExpiresAt); err != nil {
		return Failed(err)
	}
	if rec.UpdatedAt, err = timeAttr(out.Item, attrUpdatedAt); err != nil {
		return Failed(err)
	}
	return checked(rec)
}

// Put implements Store as an upsert of the profile row.
func (d *DynamoStore) Put(ctx context.Context, accountID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	item := itemKey(accountID, KindProfile)
	item[attrRefreshToken] = &types.AttributeValueMemberS{Value: rec.RefreshToken}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339Nano)}
	if rec.AccessToken != "" {
		item[attrAccessToken] = &types.AttributeValueMemberS{Value: rec.AccessToken}
	}
	if !rec.ExpiresAt.IsZero() {
		item[attrExpiresAt] = &types.AttributeValueMemberS{Value: rec.ExpiresAt.UTC().Format(time.RFC3339Nano)}
	}

	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (d *DynamoStore) Delete(ctx context.Context, accountID string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       itemKey(accountID, KindProfile),
	}); err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}
	return nil
}

// AcquireLease implements LeaseStore with a conditional put that succeeds only if the lease
// row is absent or expired.
func (d *DynamoStore) AcquireLease(ctx context.Context, accountID string, lease Lease) (bool, error) {
	item := itemKey(accountID, KindLock)
	item[attrOwnerID] = &types.AttributeValueMemberS{Value: lease.OwnerID}
	item[attrAcquiredAt] = millisAttr(lease.AcquiredAt)
	item[attrLeaseExpiresAt] = millisAttr(lease.ExpiresAt)
	item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(lease.ExpiresAt.Unix(), 10)}

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#pk) OR #exp < :now"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  attrAccountID,
			"#exp": attrLeaseExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttr(lease.AcquiredAt),
		},
	})

	var ccf *types.ConditionalCheckFailedException
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &ccf):
		return false, nil
	default:
		return false, fmt.Errorf("dynamodb acquire lease: %w", err)
	}
}

// ReleaseLease implements LeaseStore with a delete conditioned on the owner.
func (d *DynamoStore) ReleaseLease(ctx context.Context, accountID, ownerID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 itemKey(accountID, KindLock),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": attrOwnerID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: ownerID},
		},
	})

	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb release lease: %w", err)
	}
	return nil
}

func itemKey(accountID, kind string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrAccountID: &types.AttributeValueMemberS{Value: accountID},
		attrKind:      &types.AttributeValueMemberS{Value: kind},
	}
}

func millisAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	s := stringAttr(item, name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	return t, nil
}
