package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cookiescan/internal/domain"
)

// Store archives raw cookie jars to an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the endpoint and creates the bucket if it is missing.
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create evidence client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return &Store{client: cli, bucket: bucket}, nil
}

type jar struct {
	ScanID     string             `json:"scan_id"`
	TenantID   string             `json:"tenant_id"`
	URL        string             `json:"url"`
	CapturedAt time.Time          `json:"captured_at"`
	Cookies    []domain.RawCookie `json:"cookies"`
}

// ObjectKey is where the jar of a scan is stored within the bucket.
func ObjectKey(scan domain.Scan) string {
	return fmt.Sprintf("%s/%s.json", scan.TenantID, scan.ID)
}

func encodeJar(scan domain.Scan, cookies []domain.RawCookie, at time.Time) ([]byte, error) {
	if cookies == nil {
		cookies = []domain.RawCookie{}
	}
	return json.Marshal(jar{
		ScanID:     scan.ID.String(),
		TenantID:   scan.TenantID.String(),
		URL:        scan.URL,
		CapturedAt: at,
		Cookies:    cookies,
	})
}

// PutCookieJar uploads the raw jar and returns an s3:// location.
func (s *Store) PutCookieJar(ctx context.Context, scan domain.Scan, cookies []domain.RawCookie) (string, error) {
	body, err := encodeJar(scan, cookies, time.Now().UTC())
	if err != nil {
		return "", err
	}
	key := ObjectKey(scan)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
