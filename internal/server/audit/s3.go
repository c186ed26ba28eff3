package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the audit bucket. An empty BaseEndpoint uses AWS itself;
// anything else (MinIO) is addressed path-style.
type S3Config struct {
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	BaseEndpoint string
}

// S3Sink stores each record as one JSON object under audit/Y/M/D/<id>.json.
type S3Sink struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

func NewS3Sink(ctx context.Context, c S3Config) (*S3Sink, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(c.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if c.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(c.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: c.Bucket, now: time.Now}, nil
}

// ObjectKey builds the storage key for a record written at t.
func ObjectKey(t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("audit/%04d/%02d/%02d/%s.json", t.Year(), t.Month(), t.Day(), id)
}

func (s *S3Sink) Record(ctx context.Context, rec models.AuditRecord) error {
	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAtEpochMilli == 0 {
		rec.OccurredAtEpochMilli = now.UnixMilli()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(ObjectKey(now, rec.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return common.Infra("audit put object", err)
}
