package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"geo-harvest/config"
)

// SnapshotPrefix ist das Schlüssel-Präfix aller Export-Snapshots im Bucket.
const SnapshotPrefix = "exports/"

// ObjectStore ist der benötigte Ausschnitt des S3-Clients.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3URL,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// S3Publisher lädt Export-Snapshots nach exports/{snapshot}/ hoch und behält nur die neuesten Keep Snapshots.
type S3Publisher struct {
	Client  ObjectStore
	Bucket  string
	BaseURL string
	Keep    int
	Logger  *zap.Logger
}

// NewS3Publisher erstellt einen Publisher aus der Konfiguration.
func NewS3Publisher(client ObjectStore, cfg *config.Config, logger *zap.Logger) *S3Publisher {
	return &S3Publisher{
		Client:  client,
		Bucket:  cfg.S3Bucket,
		BaseURL: strings.TrimRight(cfg.S3URL, "/"),
		Keep:    cfg.ExportKeepSnapshots,
		Logger:  logger,
	}
}

// Publish lädt files hoch und gibt die Links in gleicher Reihenfolge zurück.
func (p *S3Publisher) Publish(ctx context.Context, snapshot string, files []string) ([]string, error) {
	links := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(SnapshotPrefix, snapshot, filepath.Base(f))
		if err := p.upload(ctx, key, f); err != nil {
			return links, fmt.Errorf("upload %s: %w", key, err)
		}
		links = append(links, fmt.Sprintf("%s/%s/%s", p.BaseURL, p.Bucket, key))
	}
	if err := p.Rotate(ctx); err != nil {
		p.Logger.Warn("Rotation alter Snapshots fehlgeschlagen", zap.Error(err))
	}
	return links, nil
}

func (p *S3Publisher) upload(ctx context.Context, key, file string) error {
	fh, err := os.Open(file)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = p.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   fh,
	})
	return err
}

// Rotate löscht alle Snapshots außer den Keep neuesten. Snapshot-Namen sind
// Zeitstempel und daher lexikografisch sortierbar.
func (p *S3Publisher) Rotate(ctx context.Context) error {
	if p.Keep <= 0 {
		return nil
	}
	bySnapshot := map[string][]string{}
	var token *string
	for {
		out, err := p.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.Bucket),
			Prefix:            aws.String(SnapshotPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rest := strings.TrimPrefix(key, SnapshotPrefix)
			snap, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			bySnapshot[snap] = append(bySnapshot[snap], key)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	if len(bySnapshot) <= p.Keep {
		return nil
	}
	snapshots := make([]string, 0, len(bySnapshot))
	for s := range bySnapshot {
		snapshots = append(snapshots, s)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(snapshots)))

	for _, snap := range snapshots[p.Keep:] {
		for _, key := range bySnapshot[snap] {
			p.Logger.Info("Lösche alten Snapshot", zap.String("key", key))
			_, err := p.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(p.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				p.Logger.Error("Löschen fehlgeschlagen", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return nil
}
