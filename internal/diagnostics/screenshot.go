// Package diagnostics archives failure evidence: when a job fails, a device
// screenshot is captured, thumbnailed, and stored for operator review.
package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"phoneops/internal/cloudphone"
	"phoneops/internal/config"
	"phoneops/internal/models"
	"phoneops/internal/taxonomy"
)

const (
	maxScreenshotBytes = 25 * 1024 * 1024
	thumbnailWidth     = 320
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ScreenPlane is the slice of the device control plane used for captures.
type ScreenPlane interface {
	TakeScreenshot(ctx context.Context, deviceID string) (string, error)
	GetScreenshotResult(ctx context.Context, taskID string) (cloudphone.ScreenshotResult, error)
}

// Archiver captures and stores failure screenshots. It satisfies the
// monitor's Diagnoser hook.
type Archiver struct {
	devices    ScreenPlane
	httpClient *http.Client
	local      uploader
	s3         uploader
	log        *slog.Logger

	pollEvery time.Duration
	pollMax   int
}

// New constructs the archiver and chooses an uploader (local or S3).
func New(ctx context.Context, devices ScreenPlane, cfg config.Config, log *slog.Logger) (*Archiver, error) {
	baseDir := cfg.ScreenshotOutputDir
	if baseDir == "" {
		baseDir = "./screenshots"
	}

	var s3Upload uploader
	if cfg.ScreenshotS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ScreenshotS3Bucket}
	}

	return &Archiver{
		devices:    devices,
		httpClient: &http.Client{Timeout: cfg.VendorTimeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
		log:        log,
		pollEvery:  2 * time.Second,
		pollMax:    15,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ScreenshotS3Region),
	}
	if cfg.ScreenshotS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ScreenshotS3Endpoint,
					HostnameImmutable: cfg.ScreenshotS3PathStyle,
					SigningRegion:     cfg.ScreenshotS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ScreenshotS3PathStyle
	}), nil
}

// CaptureFailure is fire-and-forget: the screenshot is best effort and a
// capture error never affects the job's resolution. Runs in its own
// goroutine; the release coordinator usually stops the device moments later,
// so the capture races the shutdown and loses gracefully.
func (a *Archiver) CaptureFailure(ctx context.Context, job models.Job) {
	if err := a.capture(ctx, job); err != nil {
		a.log.Warn("failure screenshot skipped",
			"job_id", job.ID, "device_id", job.DeviceID, "error", err)
	}
}

func (a *Archiver) capture(ctx context.Context, job models.Job) error {
	taskID, err := a.devices.TakeScreenshot(ctx, job.DeviceID)
	if err != nil {
		return fmt.Errorf("request screenshot: %w", err)
	}

	link, err := a.awaitLink(ctx, taskID)
	if err != nil {
		return err
	}

	data, contentType, err := a.download(ctx, link)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s/%s.jpg", job.Kind, job.ID)
	up := a.local
	if a.s3 != nil {
		up = a.s3
	}
	location, err := up.Upload(ctx, key, data, contentType)
	if err != nil {
		return fmt.Errorf("archive screenshot: %w", err)
	}

	if thumb, err := a.thumbnail(data); err == nil {
		if _, err := up.Upload(ctx, thumbKey(key), thumb, "image/jpeg"); err != nil {
			a.log.Warn("archive thumbnail", "job_id", job.ID, "error", err)
		}
	}

	a.log.Info("failure screenshot archived",
		"job_id", job.ID, "device_id", job.DeviceID, "location", location)
	return nil
}

// awaitLink polls until the vendor finishes the capture.
func (a *Archiver) awaitLink(ctx context.Context, taskID string) (string, error) {
	for i := 0; i < a.pollMax; i++ {
		res, err := a.devices.GetScreenshotResult(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("screenshot result: %w", err)
		}
		switch res.Status {
		case taxonomy.TaskCompleted:
			if res.DownloadLink == "" {
				return "", fmt.Errorf("screenshot %s completed without a link", taskID)
			}
			return res.DownloadLink, nil
		case taxonomy.TaskFailed, taxonomy.TaskCancelled:
			return "", fmt.Errorf("screenshot %s ended with status %d", taskID, res.Status)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.pollEvery):
		}
	}
	return "", fmt.Errorf("screenshot %s not ready after %d polls", taskID, a.pollMax)
}

func (a *Archiver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download screenshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download screenshot: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxScreenshotBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read screenshot: %w", err)
	}
	if len(body) > maxScreenshotBytes {
		return nil, "", fmt.Errorf("screenshot too large (>%d bytes)", maxScreenshotBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (a *Archiver) thumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	img = imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func thumbKey(key string) string {
	ext := filepath.Ext(key)
	return strings.TrimSuffix(key, ext) + "_thumb" + ext
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
