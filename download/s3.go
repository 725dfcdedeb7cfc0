package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Scheme is the channel-URL prefix that routes a mirror through an
// S3Mirror instead of Engine's HTTP(S) path.
const s3Scheme = "s3://"

// ParseS3ChannelURL splits an "s3://bucket/key-prefix" channel URL into its
// bucket and key-prefix parts. The key-prefix may be empty.
func ParseS3ChannelURL(rawURL string) (bucket, keyPrefix string, ok bool) {
	if !strings.HasPrefix(rawURL, s3Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(rawURL, s3Scheme)
	bucket, keyPrefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	return bucket, strings.Trim(keyPrefix, "/"), true
}

// S3MirrorConfig describes an S3-hosted channel mirror: private channel
// hosting behind an s3://bucket/prefix URL, registered on an Engine with
// RegisterS3Mirror so any request whose mirror BaseURL uses that bucket is
// routed here instead of over HTTP(S).
type S3MirrorConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Mirror fetches repodata and package archives from an S3 bucket, as an
// alternative to the HTTP(S) mirrors Engine.Do talks to directly.
type S3Mirror struct {
	client   *s3.Client
	uploader *transfermanager.Client
	bucket   string
	prefix   string
}

// NewS3Mirror constructs an S3Mirror from the standard AWS config/client
// chain, with optional static credentials and endpoint overrides for
// S3-compatible stores.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig) (*S3Mirror, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("download: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Mirror{client: client, uploader: transfermanager.New(client), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish uploads a local file (a freshly built repodata.json or package
// archive) to the mirror at pathSuffix, for maintaining a private
// s3://bucket/channel mirror out-of-band from normal acquisition. Uses the
// transfer manager so large package archives are uploaded in parts.
func (m *S3Mirror) Publish(ctx context.Context, pathSuffix, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("download: opening %s: %w", localPath, err)
	}
	defer f.Close()

	key := path.Join(m.prefix, pathSuffix)
	if _, err := m.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("download: uploading %s to s3://%s/%s: %w", localPath, m.bucket, key, err)
	}
	return nil
}

// Head checks whether pathSuffix exists in the bucket without downloading
// it, for the repodata loader's zst-variant probe. It returns a Result with
// HTTPStatus 200 on success, or a non-nil error (wrapping os.ErrNotExist
// for a missing key) otherwise.
func (m *S3Mirror) Head(ctx context.Context, pathSuffix string) (Result, error) {
	key := path.Join(m.prefix, pathSuffix)
	output, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return Result{}, fmt.Errorf("download: s3://%s/%s: %w", m.bucket, key, os.ErrNotExist)
		}
		return Result{}, fmt.Errorf("download: probing s3://%s/%s: %w", m.bucket, key, err)
	}
	result := Result{EffectiveURL: fmt.Sprintf("s3://%s/%s", m.bucket, key), HTTPStatus: 200}
	if output.ETag != nil {
		result.ETag = *output.ETag
	}
	if output.LastModified != nil {
		result.LastModified = output.LastModified.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	}
	return result, nil
}

// Fetch downloads pathSuffix (e.g. "linux-64/repodata.json" or a package
// filename) to outPath, returning a Result shaped like Engine.Do's so
// callers (repodata, acquire) can treat S3 and HTTP mirrors uniformly.
func (m *S3Mirror) Fetch(ctx context.Context, pathSuffix, outPath string) (Result, error) {
	key := path.Join(m.prefix, pathSuffix)
	output, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return Result{}, fmt.Errorf("download: s3://%s/%s: %w", m.bucket, key, os.ErrNotExist)
		}
		return Result{}, fmt.Errorf("download: fetching s3://%s/%s: %w", m.bucket, key, err)
	}
	defer output.Body.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("download: creating parent of %s: %w", outPath, err)
	}
	tmp := outPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return Result{}, fmt.Errorf("download: creating %s: %w", tmp, err)
	}
	n, err := io.Copy(out, output.Body)
	closeErr := out.Close()
	if err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("download: writing %s: %w", tmp, err)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("download: closing %s: %w", tmp, closeErr)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return Result{}, fmt.Errorf("download: renaming %s to %s: %w", tmp, outPath, err)
	}

	result := Result{
		EffectiveURL:   fmt.Sprintf("s3://%s/%s", m.bucket, key),
		HTTPStatus:     200,
		DownloadedSize: n,
	}
	if output.ETag != nil {
		result.ETag = *output.ETag
	}
	if output.LastModified != nil {
		result.LastModified = output.LastModified.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	}
	if output.CacheControl != nil {
		result.CacheControl = *output.CacheControl
	}
	return result, nil
}
