package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/arduino-build/coordinator/internal/coorderr"
)

// downloadSuffix marks an in-flight partial download so cancellation
// cleanup can find and remove it (spec §4.6 "a well-known suffix such as
// `.download`").
const downloadSuffix = ".download"

// Downloader fetches a package archive to destPath, reporting progress via
// onProgress(percent). destPath is always written with the .download
// suffix by the caller and renamed on success.
type Downloader interface {
	Download(ctx context.Context, url, destPath string, onProgress func(pct int)) error
}

// HTTPDownloader fetches plain http(s):// URLs.
type HTTPDownloader struct {
	Client *http.Client
}

// NewHTTPDownloader returns an HTTPDownloader with a sane default client.
func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{Timeout: 10 * time.Minute}}
}

func (d *HTTPDownloader) Download(ctx context.Context, url, destPath string, onProgress func(pct int)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "build download request", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return coorderr.New(coorderr.KindPermanentRemote, fmt.Sprintf("download returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return coorderr.New(coorderr.KindTransientIO, fmt.Sprintf("download returned %d", resp.StatusCode))
	}

	f, err := os.Create(destPath)
	if err != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "create download destination", err)
	}
	defer f.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return coorderr.Wrap(coorderr.KindTransientIO, "write download chunk", werr)
			}
			written += int64(n)
			if total > 0 && onProgress != nil {
				onProgress(int(written * 100 / total))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return coorderr.Wrap(coorderr.KindTransientIO, "read download body", rerr)
		}
	}
	return nil
}

// S3MirrorDownloader fetches s3://bucket/key URLs from a package mirror,
// grounded on the teacher's Cloudflare R2 client (an S3-compatible target
// accessed through the same AWS SDK).
type S3MirrorDownloader struct {
	downloader *manager.Downloader
}

// NewS3MirrorDownloader builds a downloader against the given S3-compatible
// endpoint (empty endpoint uses AWS's default resolver).
func NewS3MirrorDownloader(ctx context.Context, endpoint, region string) (*S3MirrorDownloader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint, HostnameImmutable: true, SigningRegion: region}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config for package mirror: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	dl := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = 10 * 1024 * 1024
		d.Concurrency = 5
	})
	return &S3MirrorDownloader{downloader: dl}, nil
}

func (d *S3MirrorDownloader) Download(ctx context.Context, url, destPath string, onProgress func(pct int)) error {
	bucket, key, ok := parseS3URL(url)
	if !ok {
		return coorderr.New(coorderr.KindPermanentRemote, fmt.Sprintf("not a valid s3 mirror url: %s", url))
	}

	f, err := os.Create(destPath)
	if err != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "create download destination", err)
	}
	defer f.Close()

	_, err = d.downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return coorderr.Wrap(coorderr.KindTransientIO, "download from package mirror", err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

func parseS3URL(url string) (bucket, key string, ok bool) {
	const prefix = "s3://"
	if !strings.HasPrefix(url, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
