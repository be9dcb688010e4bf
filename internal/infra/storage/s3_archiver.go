// Package storage exports completed scan reports to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/klauspost/compress/gzip"

	"github.com/openctemio/sast-triage/internal/config"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
	"github.com/openctemio/sast-triage/pkg/sarif"
)

// putObjectAPI is the subset of the S3 client the archiver uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes a gzip-compressed JSON report and a SARIF log per completed scan.
type S3Archiver struct {
	client putObjectAPI
	bucket string
	prefix string
	// toolVersion is written into SARIF logs.
	toolVersion string
	logger      *logger.Logger
}

// NewS3Archiver builds an archiver from the storage configuration. Static keys are
// used when set; otherwise the default AWS credential chain applies. A configured
// role is assumed on top of either.
func NewS3Archiver(ctx context.Context, cfg config.StorageConfig, toolVersion string, log *logger.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.RoleARN != "" {
		awsCfg.Credentials = aws.NewCredentialsCache(assumeRoleProvider(awsCfg, cfg))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	a := newS3Archiver(client, cfg.Bucket, cfg.Prefix, log)
	a.toolVersion = toolVersion
	return a, nil
}

func assumeRoleProvider(base aws.Config, cfg config.StorageConfig) *stscreds.AssumeRoleProvider {
	return stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "sast-triage-archiver"
		if cfg.ExternalID != "" {
			o.ExternalID = aws.String(cfg.ExternalID)
		}
	})
}

func newS3Archiver(client putObjectAPI, bucket, prefix string, log *logger.Logger) *S3Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: log.With("component", "s3-archiver"),
	}
}

// ObjectKey returns the key a scan's report is written to.
func (a *S3Archiver) ObjectKey(scan *triage.Scan) string {
	return fmt.Sprintf("%s%s/%s.json.gz", a.prefix, scan.ConfigurationID(), scan.ID())
}

// SARIFKey returns the key a scan's SARIF log is written to.
func (a *S3Archiver) SARIFKey(scan *triage.Scan) string {
	return fmt.Sprintf("%s%s/%s.sarif", a.prefix, scan.ConfigurationID(), scan.ID())
}

// Archive uploads the scan report and its SARIF log. Re-archiving a scan
// overwrites both.
func (a *S3Archiver) Archive(ctx context.Context, scan *triage.Scan, analyses []*triage.Analysis) error {
	body, err := encodeReport(NewReport(scan, analyses))
	if err != nil {
		return err
	}
	key := a.ObjectKey(scan)
	if err := a.put(ctx, key, body, "application/json", "gzip"); err != nil {
		return fmt.Errorf("failed to upload scan report: %w", err)
	}

	var sarifBuf bytes.Buffer
	if err := sarif.Encode(&sarifBuf, sarif.FromScan(scan, analyses, a.toolVersion)); err != nil {
		return err
	}
	if err := a.put(ctx, a.SARIFKey(scan), sarifBuf.Bytes(), "application/sarif+json", ""); err != nil {
		return fmt.Errorf("failed to upload sarif log: %w", err)
	}

	a.logger.Info("scan report archived", "scan_id", scan.ID().String(), "bucket", a.bucket, "key", key, "bytes", len(body))
	return nil
}

func (a *S3Archiver) put(ctx context.Context, key string, body []byte, contentType, encoding string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if encoding != "" {
		in.ContentEncoding = aws.String(encoding)
	}
	_, err := a.client.PutObject(ctx, in)
	return err
}

func encodeReport(r Report) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode scan report: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress scan report: %w", err)
	}
	return buf.Bytes(), nil
}

// Report is the archived form of a completed scan.
type Report struct {
	ScanID          string           `json:"scan_id"`
	ConfigurationID string           `json:"configuration_id"`
	ProjectKey      string           `json:"project_key"`
	Status          string           `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TotalFindings   int              `json:"total_findings"`
	FalsePositives  int              `json:"false_positives"`
	TruePositives   int              `json:"true_positives"`
	NeedsReview     int              `json:"needs_review"`
	Analyses        []ReportAnalysis `json:"analyses"`
}

// ReportAnalysis is one classified finding in a Report.
type ReportAnalysis struct {
	Position            int              `json:"position"`
	Finding             triage.Finding   `json:"finding"`
	Verdict             triage.Verdict   `json:"verdict"`
	Confidence          *float64         `json:"confidence,omitempty"`
	ShortReason         string           `json:"short_reason"`
	DetailedExplanation string           `json:"detailed_explanation"`
	FixSuggestion       *string          `json:"fix_suggestion,omitempty"`
	SeverityOverride    *triage.Severity `json:"severity_override,omitempty"`
	AnalyzedAt          time.Time        `json:"analyzed_at"`
}

// NewReport builds the report of a scan.
func NewReport(scan *triage.Scan, analyses []*triage.Analysis) Report {
	c := scan.Counts()
	r := Report{
		ScanID:          scan.ID().String(),
		ConfigurationID: scan.ConfigurationID().String(),
		ProjectKey:      scan.ProjectKey(),
		Status:          string(scan.Status()),
		StartedAt:       scan.StartedAt(),
		CompletedAt:     scan.CompletedAt(),
		TotalFindings:   c.Total,
		FalsePositives:  c.FalsePositives,
		TruePositives:   c.TruePositives,
		NeedsReview:     c.NeedsReview,
		Analyses:        make([]ReportAnalysis, 0, len(analyses)),
	}
	for _, a := range analyses {
		r.Analyses = append(r.Analyses, ReportAnalysis{
			Position:            a.Position(),
			Finding:             a.Finding(),
			Verdict:             a.Verdict(),
			Confidence:          a.Confidence(),
			ShortReason:         a.ShortReason(),
			DetailedExplanation: a.DetailedExplanation(),
			FixSuggestion:       a.FixSuggestion(),
			SeverityOverride:    a.SeverityOverride(),
			AnalyzedAt:          a.AnalyzedAt(),
		})
	}
	return r
}
