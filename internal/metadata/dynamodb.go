package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/akshaykher243/payload-template/internal/media"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"

	// Every record lives in one partition so a Query returns them in id
	// order.
	dynamoPartition = "MEDIA"
	dynamoSKPrefix  = "FILE#"
)

// DynamoDBAPI is the subset of the DynamoDB client the record store uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBOptions configures a DynamoDBStore.
type DynamoDBOptions struct {
	Table  string
	Region string
	// Endpoint overrides the service endpoint (DynamoDB Local, LocalStack).
	Endpoint string
}

// DynamoDBStore implements RecordStore on a DynamoDB table keyed by a
// string partition key "pk" and sort key "sk".
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBStore creates a DynamoDBStore using the default AWS credential
// chain.
func NewDynamoDBStore(ctx context.Context, opts DynamoDBOptions) (*DynamoDBStore, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoDBStoreWithClient(opts.Table, client), nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore with an injected client.
func NewDynamoDBStoreWithClient(table string, client DynamoDBAPI) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func skRecord(id string) string {
	return dynamoSKPrefix + id
}

func dynamoKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: dynamoPartition},
		"sk": &types.AttributeValueMemberS{Value: skRecord(id)},
	}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func (s *DynamoDBStore) PutRecord(ctx context.Context, f *media.LogicalFile) error {
	item, err := recordToItem(f)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("putting record %q: %w", f.ID, err)
	}
	return nil
}

func (s *DynamoDBStore) GetRecord(ctx context.Context, id string) (*media.LogicalFile, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting record %q: %w", id, err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToRecord(resp.Item)
}

// FindByFilename queries the record partition with a filter on the original
// filename and the variant filename set.
func (s *DynamoDBStore) FindByFilename(ctx context.Context, filename string) (*media.LogicalFile, error) {
	var (
		best              *media.LogicalFile
		exclusiveStartKey map[string]types.AttributeValue
	)
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			FilterExpression:       aws.String("filename = :filename OR contains(variant_filenames, :filename)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":       &types.AttributeValueMemberS{Value: dynamoPartition},
				":prefix":   &types.AttributeValueMemberS{Value: dynamoSKPrefix},
				":filename": &types.AttributeValueMemberS{Value: filename},
			},
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("finding record for %q: %w", filename, err)
		}
		for _, item := range resp.Items {
			f, err := itemToRecord(item)
			if err != nil {
				return nil, err
			}
			if best == nil || f.UpdatedAt.After(best.UpdatedAt) {
				best = f
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return best, nil
}

func (s *DynamoDBStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoKey(id),
	})
	if err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	return nil
}

// ListRecords pages through the record partition in sort key order, which
// is id order.
func (s *DynamoDBStore) ListRecords(ctx context.Context, opts ListRecordsOptions) (*ListRecordsResult, error) {
	limit := normalizeLimit(opts.Limit)

	var (
		records           []*media.LogicalFile
		exclusiveStartKey map[string]types.AttributeValue
	)
	for len(records) < limit+1 {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND sk > :start"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":    &types.AttributeValueMemberS{Value: dynamoPartition},
				":start": &types.AttributeValueMemberS{Value: skRecord(opts.After)},
			},
			Limit: aws.Int32(int32(limit + 1 - len(records))),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing records: %w", err)
		}
		for _, item := range resp.Items {
			f, err := itemToRecord(item)
			if err != nil {
				return nil, err
			}
			records = append(records, f)
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	result := &ListRecordsResult{Records: records}
	if len(records) > limit {
		result.Records = records[:limit]
		result.IsTruncated = true
		result.NextAfter = result.Records[limit-1].ID
	}
	return result, nil
}

func recordToItem(f *media.LogicalFile) (map[string]types.AttributeValue, error) {
	variants := []byte("{}")
	if f.Variants != nil {
		var err error
		if variants, err = json.Marshal(f.Variants); err != nil {
			return nil, fmt.Errorf("encoding variants for %q: %w", f.ID, err)
		}
	}

	item := dynamoKey(f.ID)
	item["id"] = &types.AttributeValueMemberS{Value: f.ID}
	item["filename"] = &types.AttributeValueMemberS{Value: f.Filename}
	item["title"] = &types.AttributeValueMemberS{Value: f.Title}
	item["collection"] = &types.AttributeValueMemberS{Value: f.Collection}
	item["prefix"] = &types.AttributeValueMemberS{Value: f.Prefix}
	item["declared_mime_type"] = &types.AttributeValueMemberS{Value: f.DeclaredMimeType}
	item["mime_type_corrected"] = &types.AttributeValueMemberBOOL{Value: f.MimeTypeCorrected}
	item["filesize"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(f.Filesize, 10)}
	item["storage_key"] = &types.AttributeValueMemberS{Value: f.OriginalKey()}
	item["variants"] = &types.AttributeValueMemberS{Value: string(variants)}
	item["created_at"] = &types.AttributeValueMemberS{Value: f.CreatedAt.UTC().Format(dynamoTimeFormat)}
	item["updated_at"] = &types.AttributeValueMemberS{Value: f.UpdatedAt.UTC().Format(dynamoTimeFormat)}
	if f.CorrectedMimeType != nil {
		item["corrected_mime_type"] = &types.AttributeValueMemberS{Value: *f.CorrectedMimeType}
	}
	// String sets cannot be empty, so the attribute is omitted when no
	// variant was stored.
	if names := variantFilenames(f); len(names) > 0 {
		item["variant_filenames"] = &types.AttributeValueMemberSS{Value: names}
	}
	return item, nil
}

func variantFilenames(f *media.LogicalFile) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range f.Variants {
		if v != nil && v.Filename != "" && !seen[v.Filename] {
			seen[v.Filename] = true
			names = append(names, v.Filename)
		}
	}
	sort.Strings(names)
	return names
}

func itemToRecord(item map[string]types.AttributeValue) (*media.LogicalFile, error) {
	f := &media.LogicalFile{
		ID:                getString(item, "id"),
		Filename:          getString(item, "filename"),
		Title:             getString(item, "title"),
		Collection:        getString(item, "collection"),
		Prefix:            getString(item, "prefix"),
		DeclaredMimeType:  getString(item, "declared_mime_type"),
		MimeTypeCorrected: getBool(item, "mime_type_corrected"),
		Filesize:          getNInt(item, "filesize"),
		StorageKey:        getString(item, "storage_key"),
	}
	if f.ID == "" {
		f.ID = strings.TrimPrefix(getString(item, "sk"), dynamoSKPrefix)
	}
	if _, ok := item["corrected_mime_type"]; ok {
		ct := getString(item, "corrected_mime_type")
		f.CorrectedMimeType = &ct
	}

	if raw := getString(item, "variants"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Variants); err != nil {
			return nil, fmt.Errorf("decoding variants for %q: %w", f.ID, err)
		}
	}
	if f.Variants == nil {
		f.Variants = map[string]*media.VariantRecord{}
	}
	f.CreatedAt, _ = time.Parse(dynamoTimeFormat, getString(item, "created_at"))
	f.UpdatedAt, _ = time.Parse(dynamoTimeFormat, getString(item, "updated_at"))
	return f, nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(nv.Value, 10, 64)
			return n
		}
	}
	return 0
}

func getBool(item map[string]types.AttributeValue, key string) bool {
	if v, ok := item[key]; ok {
		if bv, ok := v.(*types.AttributeValueMemberBOOL); ok {
			return bv.Value
		}
	}
	return false
}
