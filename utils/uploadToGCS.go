package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ReportBucket returns GCS_REPORT_BUCKET, falling back to GCS_BUCKET.
func ReportBucket() string {
	if b := strings.TrimSpace(os.Getenv("GCS_REPORT_BUCKET")); b != "" {
		return b
	}
	return strings.TrimSpace(os.Getenv("GCS_BUCKET"))
}

// UploadedReport locates a report written to Cloud Storage.
type UploadedReport struct {
	Bucket    string    `json:"bucket"`
	Object    string    `json:"object"`
	SignedURL string    `json:"signed_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// UploadReportToGCS stores an XLSX report under objectName and returns a
// time-limited download URL when one can be signed.
func UploadReportToGCS(ctx context.Context, objectName string, content io.Reader, urlLifespan time.Duration) (*UploadedReport, error) {
	bucketName := ReportBucket()
	if bucketName == "" {
		return nil, errors.New("GCS_REPORT_BUCKET or GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	bucket := client.Bucket(bucketName)
	wc := bucket.Object(objectName).NewWriter(ctx)
	wc.ContentType = xlsxContentType
	if _, err := io.Copy(wc, content); err != nil {
		_ = wc.Close()
		return nil, fmt.Errorf("failed to upload report to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %v", err)
	}

	report := &UploadedReport{Bucket: bucketName, Object: objectName}
	if urlLifespan <= 0 {
		return report, nil
	}
	expires := time.Now().Add(urlLifespan)
	signed, err := bucket.SignedURL(objectName, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	})
	if err != nil {
		// uploaded fine; the caller can still fetch by object name
		return report, nil
	}
	report.SignedURL = signed
	report.ExpiresAt = expires
	return report, nil
}

// LineageReportObject names the object a lineage export is stored under.
func LineageReportObject(serial, direction string, at time.Time) string {
	return fmt.Sprintf("lineage/%s/%s-%s.xlsx", at.UTC().Format("2006-01-02"), serial, direction)
}
