package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/badgeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Presigner redirects asset requests to presigned GET URLs of objects
// stored under a bucket prefix.
type s3Presigner struct {
	log           logrus.FieldLogger
	bucket        string
	prefix        string
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

func newS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (*s3Presigner, error) {
	expiry, err := time.ParseDuration(cfg.PresignedURLs.Expiry)
	if err != nil {
		return nil, fmt.Errorf("parsing presigned_urls.expiry: %w", err)
	}

	return &s3Presigner{
		log:           log.WithField("component", "s3-assets"),
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		presignClient: s3.NewPresignClient(newS3Client(cfg)),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry, 16),
	}, nil
}

// serveAsset redirects to a presigned URL for name.
func (p *s3Presigner) serveAsset(
	w http.ResponseWriter,
	r *http.Request,
	name string,
) error {
	if !isAllowedAssetPath(name) {
		return fmt.Errorf("path %q is not allowed: %w", name, errAssetNotFound)
	}

	target, err := p.presignedURL(r.Context(), p.objectKey(name))
	if err != nil {
		return err
	}

	http.Redirect(w, r, target, http.StatusFound)

	return nil
}

func (p *s3Presigner) objectKey(name string) string {
	if p.prefix == "" {
		return name
	}

	return p.prefix + "/" + name
}

// presignedURL returns a presigned GET URL for key. Results are cached for
// half the URL expiry so a handed out URL always has validity left.
func (p *s3Presigner) presignedURL(
	ctx context.Context,
	key string,
) (string, error) {
	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// newS3Client constructs an S3 client from the asset storage config.
func newS3Client(cfg *config.S3Config) *s3.Client {
	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Region = "us-east-1"
		if cfg.Region != "" {
			o.Region = cfg.Region
		}

		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		o.UsePathStyle = cfg.ForcePathStyle

		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)
		}
	})
}
