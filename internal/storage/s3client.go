package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bmatcuk/doublestar/v4"
)

// tokenForwardingTransport attaches the opaque bearer token as a header
// on every request the S3 SDK issues, so a custom-endpoint storage proxy
// can authorize per-call without the SDK or this client interpreting the
// token's contents.
type tokenForwardingTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenForwardingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// S3Client is the production storage collaborator, addressed by
// STORAGE_ADDRESS/STORAGE_PORT as a custom S3-compatible endpoint.
type S3Client struct {
	endpoint string
	region   string
}

func NewS3Client(address, port, region string) *S3Client {
	endpoint := address
	if port != "" {
		endpoint = fmt.Sprintf("%s:%s", address, port)
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	if region == "" {
		region = "us-east-1"
	}
	return &S3Client{endpoint: endpoint, region: region}
}

func (c *S3Client) clientFor(ctx context.Context, token string) (*s3.Client, error) {
	httpClient := &http.Client{Transport: &tokenForwardingTransport{token: token}}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.region),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("nrp", "nrp", "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(c.endpoint)
		o.UsePathStyle = true
	}), nil
}

// matchesExclude reports whether name is covered by one of the exclude
// rules: trailing-"/" rules match by directory prefix, the rest are
// shell globs matched via doublestar.
func matchesExclude(name string, excludeGlobs []string) bool {
	for _, rule := range excludeGlobs {
		if strings.HasSuffix(rule, "/") {
			if strings.HasPrefix(name, rule) || strings.Contains(name, "/"+rule) {
				return true
			}
			continue
		}
		if ok, _ := doublestar.Match(rule, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(rule, filepath.Base(name)); ok {
			return true
		}
	}
	return false
}

func (c *S3Client) CloneExperiment(ctx context.Context, token, experimentID, destDir string, excludeGlobs []string) error {
	cli, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}
	downloader := manager.NewDownloader(cli)

	paginator := s3.NewListObjectsV2Paginator(cli, &s3.ListObjectsV2Input{Bucket: aws.String(experimentID)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list experiment files: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if matchesExclude(key, excludeGlobs) {
				continue
			}
			dest := filepath.Join(destDir, filepath.FromSlash(key))
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			_, err = downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: aws.String(experimentID), Key: obj.Key})
			f.Close()
			if err != nil {
				return fmt.Errorf("download %s: %w", key, err)
			}
		}
	}
	return nil
}

func (c *S3Client) PutFile(ctx context.Context, token, experimentID, name string, data []byte, contentType string) error {
	cli, err := c.clientFor(ctx, token)
	if err != nil {
		return err
	}
	_, err = cli.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(experimentID),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (c *S3Client) GetFile(ctx context.Context, token, experimentID, name string, byName bool) ([]byte, error) {
	cli, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := cli.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(experimentID), Key: aws.String(name)})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *S3Client) ListFiles(ctx context.Context, token, experimentID string, includeFolders bool) ([]Entry, error) {
	cli, err := c.clientFor(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := cli.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(experimentID)})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		isFolder := strings.HasSuffix(key, "/")
		if isFolder && !includeFolders {
			continue
		}
		entries = append(entries, Entry{Name: key, IsFolder: isFolder, Size: aws.ToInt64(obj.Size)})
	}
	return entries, nil
}
