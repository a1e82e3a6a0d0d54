package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"drugnet/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter ist der Teil des S3-Clients, den das Archiv braucht.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.ArchiveS3URL,
				SigningRegion:     cfg.ArchiveS3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.ArchiveS3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.ArchiveS3Key, cfg.ArchiveS3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// UploadFile lädt eine Datei ins S3 hoch und gibt den Link zurück.
func UploadFile(ctx context.Context, client ObjectPutter, baseURL, bucket, key string, data []byte, contentType string) (string, error) {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	link := fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), bucket, key)
	return link, nil
}

// ReportArchive legt Ingestion-Reports als JSON im Bucket ab.
type ReportArchive struct {
	Client  ObjectPutter
	BaseURL string
	Bucket  string
}

// NewReportArchive gibt nil zurück, wenn kein Archiv konfiguriert ist.
func NewReportArchive(ctx context.Context, cfg *config.Config) (*ReportArchive, error) {
	if !cfg.ArchiveEnabled() {
		return nil, nil
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &ReportArchive{Client: client, BaseURL: cfg.ArchiveS3URL, Bucket: cfg.ArchiveS3Bucket}, nil
}

// ReportKey ist der Objektschlüssel eines Runs.
func ReportKey(runID string) string {
	return "ingestion-runs/" + runID + ".json"
}

// ArchiveReport speichert den Report und gibt dessen URL zurück.
func (a *ReportArchive) ArchiveReport(ctx context.Context, runID string, report []byte) (string, error) {
	return UploadFile(ctx, a.Client, a.BaseURL, a.Bucket, ReportKey(runID), report, "application/json")
}
