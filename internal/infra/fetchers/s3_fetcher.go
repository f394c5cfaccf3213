package fetchers

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/scantrail/api/internal/config"
)

// S3Fetcher retrieves export files from S3 or S3-compatible storage.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher creates a new S3 fetcher. Credentials come from the default
// AWS chain unless static keys are present in the environment config.
func NewS3Fetcher(ctx context.Context, cfg *config.S3Config) (*S3Fetcher, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if accessKey, secretKey := awsAccessKeys(); accessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}

	return &S3Fetcher{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// Fetch downloads all matching objects under an s3://bucket/prefix location.
// A location naming a single object downloads just that object.
func (f *S3Fetcher) Fetch(ctx context.Context, location string, opts FetchOptions) ([]File, error) {
	bucket, prefix, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}

	// Single-object fetch when the location names a file directly.
	if matchesExtension(prefix, opts.Extensions) && !strings.HasSuffix(prefix, "/") {
		file, err := f.getObject(ctx, bucket, prefix, opts)
		if err == nil {
			return []File{file}, nil
		}
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var files []File
	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !matchesExtension(key, opts.Extensions) {
				continue
			}
			if opts.MaxFileSize > 0 && aws.ToInt64(obj.Size) > opts.MaxFileSize {
				return nil, fmt.Errorf("object %s exceeds size limit (%d > %d)", key, aws.ToInt64(obj.Size), opts.MaxFileSize)
			}
			if opts.MaxFiles > 0 && len(files) >= opts.MaxFiles {
				return nil, fmt.Errorf("too many objects under %s (limit %d)", location, opts.MaxFiles)
			}

			file, err := f.getObject(ctx, bucket, key, opts)
			if err != nil {
				return nil, err
			}
			files = append(files, file)
		}
	}

	return files, nil
}

func (f *S3Fetcher) getObject(ctx context.Context, bucket, key string, opts FetchOptions) (File, error) {
	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return File{}, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if opts.MaxFileSize > 0 {
		reader = io.LimitReader(reader, opts.MaxFileSize+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return File{}, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	if opts.MaxFileSize > 0 && int64(len(data)) > opts.MaxFileSize {
		return File{}, fmt.Errorf("object %s exceeds size limit (%d)", key, opts.MaxFileSize)
	}

	return File{Name: path.Base(key), Data: data}, nil
}

// awsAccessKeys returns static credentials when both env vars are present.
// An empty access key defers to the SDK's default credential chain.
func awsAccessKeys() (string, string) {
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	if accessKey == "" || secretKey == "" {
		return "", ""
	}
	return accessKey, secretKey
}

// parseS3Location splits s3://bucket/prefix into bucket and prefix.
func parseS3Location(location string) (bucket, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
