// Package mediastore writes uploaded media to local disk or S3 and extracts image
// dimensions and thumbnails.
package mediastore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"mediagen/internal/config"
	"mediagen/internal/models"
)

// Backend stores one object and returns where it ended up.
type Backend interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store saves uploads through a Backend.
type Store struct {
	backend   Backend
	thumbSize int
	now       func() time.Time
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	var backend Backend
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = NewS3Backend(client, cfg.MediaS3Bucket)
	} else {
		dir := cfg.MediaDir
		if dir == "" {
			dir = "./media"
		}
		backend = &LocalBackend{BaseDir: dir}
	}
	return NewWithBackend(backend, cfg.ThumbnailSize), nil
}

// NewWithBackend wraps an explicit backend.
func NewWithBackend(backend Backend, thumbSize int) *Store {
	if thumbSize <= 0 {
		thumbSize = 160
	}
	return &Store{backend: backend, thumbSize: thumbSize, now: time.Now}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MediaS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Save stores data under token and returns its metadata. Images additionally get their
// dimensions recorded and a thumbnail written next to them.
func (s *Store) Save(ctx context.Context, token, filename, contentType string, data []byte) (models.MediaFile, error) {
	contentType = sniffContentType(filename, contentType, data)
	key := sanitizeKey(filepath.Join("media", token+strings.ToLower(filepath.Ext(filename))))

	location, err := s.backend.Put(ctx, key, data, contentType)
	if err != nil {
		return models.MediaFile{}, fmt.Errorf("store media: %w", err)
	}

	media := models.MediaFile{
		Token:            token,
		OriginalFilename: filepath.Base(filename),
		ContentType:      contentType,
		SizeBytes:        int64(len(data)),
		Location:         location,
		CreatedAt:        s.now().UTC().Format(time.RFC3339),
	}
	if strings.HasPrefix(contentType, "image/") {
		if err := s.addThumbnail(ctx, &media, data); err != nil {
			return models.MediaFile{}, err
		}
	}
	return media, nil
}

func (s *Store) addThumbnail(ctx context.Context, media *models.MediaFile, data []byte) error {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	media.Width = img.Bounds().Dx()
	media.Height = img.Bounds().Dy()

	thumb := imaging.Fit(img, s.thumbSize, s.thumbSize, imaging.Lanczos)
	format := imaging.JPEG
	if media.ContentType == "image/png" || media.ContentType == "image/gif" {
		format = imaging.PNG
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	key := fmt.Sprintf("thumbs/%s.%s", media.Token, formatExtension(format))
	location, err := s.backend.Put(ctx, key, buf.Bytes(), mimeForFormat(format))
	if err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	media.ThumbnailURL = location
	return nil
}

func sniffContentType(filename, declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		if i := strings.Index(declared, ";"); i >= 0 {
			declared = strings.TrimSpace(declared[:i])
		}
		return declared
	}
	if f, err := imaging.FormatFromFilename(filename); err == nil {
		return mimeForFormat(f)
	}
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	case imaging.BMP:
		return "bmp"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalBackend writes objects below BaseDir.
type LocalBackend struct {
	BaseDir string
}

func (l *LocalBackend) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Backend writes objects to a bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend wraps client for bucket.
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

func (s *S3Backend) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
