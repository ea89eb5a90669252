package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/blockstore/blobstore"
)

// CurrentName is the blob that DDBCommitStore keeps in DynamoDB. It matches
// backup.CurrentFileName.
const CurrentName = "CURRENT"

// Attribute names of a commit item.
const (
	attrStore    = "store"
	attrSeq      = "seq"
	attrSnapshot = "snapshot"
)

// ErrConcurrentModification is returned when another writer committed the
// same sequence number first.
var ErrConcurrentModification = errors.New("s3: concurrent modification detected")

// DDBClient is the subset of the DynamoDB API used by DDBCommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// DDBCommitStore is a Store whose CURRENT pointer lives in DynamoDB.
//
// S3 has no compare-and-swap, so two processes backing up the same tree
// could both overwrite CURRENT. Here each CURRENT write appends commit
// seq+1 with a condition that the item does not exist yet; the loser gets
// ErrConcurrentModification and its snapshot stays unreferenced.
// Reading CURRENT returns the snapshot id of the highest commit.
//
// Table schema (partition key "store" of type S, sort key "seq" of type N):
//
//	aws dynamodb create-table \
//	  --table-name blockstore-commits \
//	  --attribute-definitions AttributeName=store,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=store,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	*Store
	ddb       DDBClient
	table     string
	partition string
}

var _ blobstore.BlobStore = (*DDBCommitStore)(nil)

// NewDDBCommitStore wraps store. key identifies the backed-up tree in the
// table, usually "s3://bucket/prefix".
func NewDDBCommitStore(store *Store, ddb DDBClient, table, key string) *DDBCommitStore {
	return &DDBCommitStore{Store: store, ddb: ddb, table: table, partition: key}
}

// NewDDBCommitStoreFromConfig builds the DynamoDB client from cfg.
func NewDDBCommitStoreFromConfig(cfg aws.Config, store *Store, table, key string) *DDBCommitStore {
	return NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg), table, key)
}

// Open serves CURRENT from the latest commit and everything else from S3.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.Store.Open(ctx, name)
	}
	c, err := s.head(ctx)
	if err != nil {
		return nil, err
	}
	if c.seq == 0 {
		return nil, fmt.Errorf("s3: open %s: %w", name, blobstore.ErrNotFound)
	}
	return blobstore.NewBytesBlob([]byte(c.snapshot)), nil
}

// Put commits CURRENT conditionally and writes everything else to S3.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != CurrentName {
		return s.Store.Put(ctx, name, data)
	}
	c, err := s.head(ctx)
	if err != nil {
		return err
	}
	return s.append(ctx, c.seq+1, string(data))
}

// Delete ignores CURRENT; the commit history is never rewritten.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if name == CurrentName {
		return nil
	}
	return s.Store.Delete(ctx, name)
}

// Version returns the sequence number of the latest commit, or 0 if CURRENT
// was never written.
func (s *DDBCommitStore) Version(ctx context.Context) (uint64, error) {
	c, err := s.head(ctx)
	return c.seq, err
}

type commit struct {
	seq      uint64
	snapshot string
}

func (s *DDBCommitStore) head(ctx context.Context) (commit, error) {
	out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#s = :store"),
		ExpressionAttributeNames: map[string]string{
			"#s": attrStore,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":store": &types.AttributeValueMemberS{Value: s.partition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return commit{}, fmt.Errorf("s3: query %s: %w", s.table, err)
	}
	if len(out.Items) == 0 {
		return commit{}, nil
	}
	return decodeCommit(out.Items[0])
}

func decodeCommit(item map[string]types.AttributeValue) (commit, error) {
	seqAttr, ok := item[attrSeq].(*types.AttributeValueMemberN)
	if !ok {
		return commit{}, fmt.Errorf("s3: commit item: missing %q", attrSeq)
	}
	snapAttr, ok := item[attrSnapshot].(*types.AttributeValueMemberS)
	if !ok {
		return commit{}, fmt.Errorf("s3: commit item: missing %q", attrSnapshot)
	}
	seq, err := strconv.ParseUint(seqAttr.Value, 10, 64)
	if err != nil {
		return commit{}, fmt.Errorf("s3: commit item: %w", err)
	}
	return commit{seq: seq, snapshot: snapAttr.Value}, nil
}

func (s *DDBCommitStore) append(ctx context.Context, seq uint64, snapshot string) error {
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrStore:    &types.AttributeValueMemberS{Value: s.partition},
			attrSeq:      &types.AttributeValueMemberN{Value: strconv.FormatUint(seq, 10)},
			attrSnapshot: &types.AttributeValueMemberS{Value: snapshot},
		},
		ConditionExpression: aws.String("attribute_not_exists(#q)"),
		ExpressionAttributeNames: map[string]string{
			"#q": attrSeq,
		},
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConcurrentModification
	}
	return fmt.Errorf("s3: commit %d: %w", seq, err)
}
