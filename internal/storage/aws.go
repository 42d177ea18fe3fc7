package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/stats"
)

// jobPartition is the DynamoDB partition key shared by all job records.
const jobPartition = "JOB"

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSStorage archives summaries to S3 and indexes them in DynamoDB. Either
// half is skipped when its bucket or table is not configured.
type AWSStorage struct {
	s3Client  s3API
	dynamoDB  dynamoAPI
	bucket    string
	prefix    string
	tableName string
	ttl       time.Duration
}

// DynamoDBItem represents a job record stored in DynamoDB
type DynamoDBItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Data      string `dynamodbav:"Data"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

// NewAWSStorage creates a new AWS storage instance
func NewAWSStorage(ctx context.Context, cfg config.ReportConfig) (*AWSStorage, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return newAWSStorage(s3.NewFromConfig(awsCfg), dynamodb.NewFromConfig(awsCfg), cfg), nil
}

func newAWSStorage(s3c s3API, ddb dynamoAPI, cfg config.ReportConfig) *AWSStorage {
	return &AWSStorage{
		s3Client:  s3c,
		dynamoDB:  ddb,
		bucket:    cfg.S3Bucket,
		prefix:    cfg.S3Prefix,
		tableName: cfg.DynamoDBTable,
		ttl:       time.Duration(cfg.TTLDays) * 24 * time.Hour,
	}
}

// HasIndex reports whether job history can be read back from DynamoDB.
func (s *AWSStorage) HasIndex() bool { return s.tableName != "" }

// SaveSummary uploads the text and JSON reports and writes the index record.
func (s *AWSStorage) SaveSummary(ctx context.Context, summary stats.Summary) error {
	jsonData, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	if s.bucket != "" {
		base := path.Join(s.prefix, summary.FinishedAt.UTC().Format("2006/01/02"), summary.JobID)
		if err := s.putObject(ctx, base+".txt", []byte(RenderText(summary)), "text/plain; charset=utf-8"); err != nil {
			return err
		}
		pretty, err := RenderJSON(summary)
		if err != nil {
			return fmt.Errorf("marshaling summary: %w", err)
		}
		if err := s.putObject(ctx, base+".json", pretty, "application/json"); err != nil {
			return err
		}
	}

	if s.tableName != "" {
		item := DynamoDBItem{
			PK:        jobPartition,
			SK:        fmt.Sprintf("%s#%s", summary.FinishedAt.UTC().Format(time.RFC3339Nano), summary.JobID),
			Data:      string(jsonData),
			Timestamp: summary.FinishedAt.UTC().Format(time.RFC3339),
		}
		if s.ttl > 0 {
			item.TTL = summary.FinishedAt.Add(s.ttl).Unix()
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		_, err = s.dynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      av,
		})
		if err != nil {
			return fmt.Errorf("putting item to DynamoDB: %w", err)
		}
	}
	return nil
}

func (s *AWSStorage) putObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

// RecentJobs returns up to limit summaries from the index, newest first.
func (s *AWSStorage) RecentJobs(ctx context.Context, limit int) ([]stats.Summary, error) {
	if s.tableName == "" {
		return nil, nil
	}
	out, err := s.dynamoDB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: jobPartition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("querying DynamoDB: %w", err)
	}

	var items []DynamoDBItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("unmarshaling items: %w", err)
	}

	summaries := make([]stats.Summary, 0, len(items))
	for _, item := range items {
		var summary stats.Summary
		if err := json.Unmarshal([]byte(item.Data), &summary); err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
