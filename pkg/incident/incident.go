// Package incident is the watchdog's forensic archival sink: every
// time the supervisor kills a child for cause, or gives up
// respawning an extension, it hands a report here. Reports are
// serialized to JSON, LZ4-compressed, age-encrypted to an operator's
// public key, and uploaded to S3 — grounded on the teacher's
// pkg/erebus/s3_store.go for the S3 client-construction pattern,
// bureau-foundation-bureau's lib/artifactstore/compress.go for the
// lz4 block-mode calls, and its lib/sealed/sealed.go for the
// age.Encrypt call shape.
//
// Archival is best-effort and asynchronous from the supervisor's
// point of view: Record always returns immediately and never blocks
// a poll iteration on a slow or unreachable S3 endpoint.
package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"filippo.io/age"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pierrec/lz4/v4"

	"github.com/osquery-go/watchdog/pkg/hermes"
	"github.com/osquery-go/watchdog/pkg/perfstate"
	"github.com/osquery-go/watchdog/pkg/procquery"
)

// Report is the forensic record of one supervisor decision to kill or
// give up on a child.
type Report struct {
	Path      string          `json:"path"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
	State     perfstate.State `json:"state"`
	LastRow   procquery.Row   `json:"last_row"`
}

// Archiver uploads incident reports to S3, encrypted to a single age
// recipient and LZ4-compressed. The zero value is not usable; build
// one with New.
type Archiver struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	recipient age.Recipient
	logger    hermes.Logger
	timeout   time.Duration
}

// New constructs an Archiver. recipientKey is an age1... public key
// string; endpoint may be empty to use AWS's default S3 endpoint
// resolution, or a MinIO/S3-compatible URL.
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey, recipientKey string, logger hermes.Logger) (*Archiver, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return nil, fmt.Errorf("incident: parsing age recipient: %w", err)
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if endpoint != "" {
			return aws.Endpoint{PartitionID: "aws", URL: endpoint, SigningRegion: region}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("incident: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		recipient: recipient,
		logger:    logger,
		timeout:   30 * time.Second,
	}, nil
}

// Record archives report under a timestamped key. It spawns a
// detached goroutine with its own bounded-timeout context so the
// caller — the supervisor's poll loop — never waits on S3, mirroring
// hecatoncheir.Agent.Run's fire-and-forget dead-letter reporting.
func (a *Archiver) Record(report Report) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := a.upload(ctx, report); err != nil {
			a.logger.Warn(ctx, "incident archival failed", map[string]any{
				"path":   report.Path,
				"reason": report.Reason,
				"error":  err.Error(),
			})
		}
	}()
}

func (a *Archiver) upload(ctx context.Context, report Report) error {
	plaintext, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	compressed, err := compressLZ4(plaintext)
	if err != nil {
		return fmt.Errorf("compressing report: %w", err)
	}

	ciphertext, err := a.encrypt(compressed)
	if err != nil {
		return fmt.Errorf("encrypting report: %w", err)
	}

	key := fmt.Sprintf("incidents/%s/%d.age", sanitizeKey(report.Path), report.Timestamp.UnixNano())
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(ciphertext),
	})
	if err != nil {
		return fmt.Errorf("uploading to s3: %w", err)
	}
	return nil
}

func (a *Archiver) encrypt(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// compressLZ4 prefixes the lz4 block-compressed payload with a tag
// byte (1) and the original length (varint-free, fixed 8 bytes) since
// block mode carries no size header of its own.
func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	dest := make([]byte, bound)
	written, err := lz4.CompressBlock(data, dest, nil)
	if err != nil {
		return nil, err
	}
	if written == 0 {
		// Incompressible or too small for the block format; store the
		// raw bytes behind a single tag byte 0, with no length prefix.
		return append([]byte{0}, data...), nil
	}
	header := make([]byte, 9)
	header[0] = 1
	putUint64(header[1:], uint64(len(data)))
	return append(header, dest[:written]...), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("incident: empty compressed payload")
	}
	switch data[0] {
	case 0:
		return data[1:], nil
	case 1:
		if len(data) < 9 {
			return nil, fmt.Errorf("incident: truncated compressed payload")
		}
		uncompressedSize := getUint64(data[1:9])
		dest := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(data[9:], dest)
		if err != nil {
			return nil, err
		}
		return dest[:read], nil
	default:
		return nil, fmt.Errorf("incident: unknown compression tag %d", data[0])
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func sanitizeKey(path string) string {
	out := make([]rune, 0, len(path))
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
