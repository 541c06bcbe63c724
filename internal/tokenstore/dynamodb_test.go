package tokenstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo is an in-memory DynamoAPI that understands the two condition expressions
// DynamoStore issues.
type fakeDynamo struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	getErr error
	puts   []*dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func fakeKey(key map[string]types.AttributeValue) string {
	return stringAttr(key, attrAccountID) + "|" + stringAttr(key, attrKind)
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if !aws.ToBool(in.ConsistentRead) {
		return nil, errors.New("expected consistent read")
	}
	return &dynamodb.GetItemOutput{Item: f.items[fakeKey(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)

	k := fakeKey(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[k]; ok {
			now := numAttr(in.ExpressionAttributeValues[":now"])
			if numAttr(existing[attrLeaseExpiresAt]) >= now {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("lease held")}
			}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := fakeKey(in.Key)
	if in.ConditionExpression != nil {
		existing, ok := f.items[k]
		owner := stringAttr(in.ExpressionAttributeValues, ":owner")
		if !ok || stringAttr(existing, attrOwnerID) != owner {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("not owner")}
		}
	}
	delete(f.items, k)
	return &dynamodb.DeleteItemOutput{}, nil
}

func numAttr(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func TestDynamoStoreProfileRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	fake := newFakeDynamo()
	store, err := NewDynamoStore(fake, "auth", func() time.Time { return now })
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, StatusNotFound, store.Get(ctx, "acct").Status)

	expiry := now.Add(time.Hour)
	require.NoError(t, store.Put(ctx, "acct", Record{RefreshToken: "abc", AccessToken: "at", ExpiresAt: expiry}))

	res := store.Get(ctx, "acct")
	require.Equal(t, StatusFound, res.Status)
	assert.Equal(t, "abc", res.Record.RefreshToken)
	assert.Equal(t, "at", res.Record.AccessToken)
	assert.True(t, expiry.Equal(res.Record.ExpiresAt))
	assert.True(t, now.Equal(res.Record.UpdatedAt))

	put := fake.puts[0]
	assert.Equal(t, "auth", aws.ToString(put.TableName))
	assert.Equal(t, KindProfile, stringAttr(put.Item, attrKind))
	assert.Nil(t, put.ConditionExpression)

	require.NoError(t, store.Delete(ctx, "acct"))
	assert.Equal(t, StatusNotFound, store.Get(ctx, "acct").Status)
}

func TestDynamoStoreRowWithoutRefreshTokenIsMiss(t *testing.T) {
	fake := newFakeDynamo()
	fake.items["acct|"+KindProfile] = map[string]types.AttributeValue{
		attrAccountID:   &types.AttributeValueMemberS{Value: "acct"},
		attrKind:        &types.AttributeValueMemberS{Value: KindProfile},
		attrAccessToken: &types.AttributeValueMemberS{Value: "at"},
	}
	store, err := NewDynamoStore(fake, "auth", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusNotFound, store.Get(context.Background(), "acct").Status)
}

func TestDynamoStoreGetErrorIsFailure(t *testing.T) {
	fake := newFakeDynamo()
	fake.getErr = errors.New("RequestTimeout")
	store, err := NewDynamoStore(fake, "auth", nil)
	require.NoError(t, err)

	res := store.Get(context.Background(), "acct")
	require.Equal(t, StatusFailed, res.Status)
	assert.ErrorContains(t, res.Err, "RequestTimeout")
}

func TestDynamoStoreLease(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	fake := newFakeDynamo()
	store, err := NewDynamoStore(fake, "auth", nil)
	require.NoError(t, err)
	ctx := context.Background()

	lease := func(owner string, at time.Time) Lease {
		return Lease{OwnerID: owner, AcquiredAt: at, ExpiresAt: at.Add(30 * time.Second)}
	}

	ok, err := store.AcquireLease(ctx, "acct", lease("a", now))
	require.NoError(t, err)
	require.True(t, ok)

	lockPut := fake.puts[len(fake.puts)-1]
	assert.Equal(t, KindLock, stringAttr(lockPut.Item, attrKind))
	assert.Equal(t, now.Add(30*time.Second).Unix(), numAttr(lockPut.Item[attrTTL]))

	ok, err = store.AcquireLease(ctx, "acct", lease("b", now.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, ok)

	// Release by a stranger is swallowed and leaves the lease in place.
	require.NoError(t, store.ReleaseLease(ctx, "acct", "b"))
	ok, err = store.AcquireLease(ctx, "acct", lease("c", now.Add(2*time.Second)))
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired leases can be taken over.
	ok, err = store.AcquireLease(ctx, "acct", lease("d", now.Add(31*time.Second)))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseLease(ctx, "acct", "d"))
	ok, err = store.AcquireLease(ctx, "acct", lease("e", now.Add(32*time.Second)))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDynamoStoreLeaseDoesNotTouchProfile(t *testing.T) {
	fake := newFakeDynamo()
	store, err := NewDynamoStore(fake, "auth", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "acct", Record{RefreshToken: "abc"}))
	now := time.Now()
	ok, err := store.AcquireLease(ctx, "acct", Lease{OwnerID: "a", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, ok)

	res := store.Get(ctx, "acct")
	require.Equal(t, StatusFound, res.Status)
	assert.Equal(t, "abc", res.Record.RefreshToken)
}

func TestNewDynamoStoreValidation(t *testing.T) {
	_, err := NewDynamoStore(nil, "auth", nil)
	require.Error(t, err)

	_, err = NewDynamoStore(newFakeDynamo(), "", nil)
	require.Error(t, err)
}
