// Package archive copies committed ledger entries to S3-compatible object
// storage as JSONL segments, tracked by a manifest that records the chain
// hashes at every segment boundary.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/onnwee/carevault/internal/ledger"
)

// DefaultSegmentSize is the maximum number of entries per segment object.
const DefaultSegmentSize = 10000

const manifestName = "manifest.json"

var (
	// ErrChainDiscontinuity is returned when the next segment does not link
	// to the hash recorded for the previous one.
	ErrChainDiscontinuity = errors.New("archived chain does not link to ledger")
	// ErrChecksumMismatch is returned when a stored segment no longer
	// matches its manifest checksum.
	ErrChecksumMismatch = errors.New("segment checksum mismatch")
)

// ObjectStore is the subset of the S3 API used by the archiver.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source is the ledger side of the archiver.
type Source interface {
	Head(ctx context.Context) (ledger.Entry, bool, error)
	Export(ctx context.Context, w io.Writer, opts ledger.ExportOptions) (ledger.ExportResult, error)
	HashPolicy() string
}

// Config holds the object storage settings.
type Config struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Endpoint        string `koanf:"endpoint"`
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	SegmentSize     int    `koanf:"segment_size"`
}

// Enabled reports whether enough settings are present to archive.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.Endpoint != ""
}

// NewS3Client creates a path-style S3 client for an S3-compatible endpoint
// using static credentials.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("access key ID and secret access key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	return s3.New(s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	}), nil
}

// Segment describes one archived object.
type Segment struct {
	Key       string    `json:"key"`
	FirstSeq  uint64    `json:"first_seq"`
	LastSeq   uint64    `json:"last_seq"`
	Count     int       `json:"count"`
	PrevHash  string    `json:"prev_hash"`
	LastHash  string    `json:"last_hash"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest lists every archived segment in order.
type Manifest struct {
	HashPolicy string    `json:"hash_policy"`
	Segments   []Segment `json:"segments"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Last returns the newest segment, if any.
func (m *Manifest) Last() (Segment, bool) {
	if len(m.Segments) == 0 {
		return Segment{}, false
	}
	return m.Segments[len(m.Segments)-1], true
}

// Result summarizes one archive run.
type Result struct {
	Segments int    `json:"segments"`
	Entries  int    `json:"entries"`
	LastSeq  uint64 `json:"last_seq"`
}

// Archiver exports new ledger entries to object storage.
type Archiver struct {
	source      Source
	store       ObjectStore
	bucket      string
	prefix      string
	segmentSize int
	now         func() time.Time
	logger      *slog.Logger
}

// New creates an archiver writing into bucket under cfg.Prefix.
func New(source Source, store ObjectStore, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		source:      source,
		store:       store,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		segmentSize: cfg.SegmentSize,
		now:         time.Now,
		logger:      logger,
	}, nil
}

func (a *Archiver) key(name string) string {
	return path.Join(a.prefix, name)
}

func segmentName(first, last uint64) string {
	return fmt.Sprintf("segments/%020d-%020d.jsonl", first, last)
}

// Manifest loads the manifest. A missing manifest is an empty archive.
func (a *Archiver) Manifest(ctx context.Context) (*Manifest, error) {
	out, err := a.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(manifestName)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return &Manifest{HashPolicy: a.source.HashPolicy()}, nil
		}
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	defer out.Body.Close()

	var m Manifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Run archives every entry committed since the last run, one segment at a
// time. The manifest is rewritten after each segment, so an interrupted run
// resumes where it stopped.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	var res Result
	m, err := a.Manifest(ctx)
	if err != nil {
		return res, err
	}
	if m.HashPolicy != "" && m.HashPolicy != a.source.HashPolicy() {
		return res, fmt.Errorf("archive uses hash policy %s, ledger uses %s", m.HashPolicy, a.source.HashPolicy())
	}

	head, ok, err := a.source.Head(ctx)
	if err != nil {
		return res, fmt.Errorf("read ledger head: %w", err)
	}
	if !ok {
		return res, nil
	}

	next, prevHash := uint64(1), ledger.GenesisHash
	if last, ok := m.Last(); ok {
		next, prevHash = last.LastSeq+1, last.LastHash
	}

	for next <= head.Sequence {
		to := min(next+uint64(a.segmentSize)-1, head.Sequence)

		var buf bytes.Buffer
		exp, err := a.source.Export(ctx, &buf, ledger.ExportOptions{Format: ledger.ExportJSONL, From: next, To: to})
		if err != nil {
			return res, err
		}
		if exp.Count == 0 {
			break
		}
		if exp.FirstSeq != next || exp.FirstHash != prevHash {
			return res, fmt.Errorf("%w: segment starting at %d", ErrChainDiscontinuity, exp.FirstSeq)
		}

		sum := sha256.Sum256(buf.Bytes())
		seg := Segment{
			Key:       a.key(segmentName(exp.FirstSeq, exp.LastSeq)),
			FirstSeq:  exp.FirstSeq,
			LastSeq:   exp.LastSeq,
			Count:     exp.Count,
			PrevHash:  exp.FirstHash,
			LastHash:  exp.LastHash,
			SHA256:    hex.EncodeToString(sum[:]),
			CreatedAt: a.now().UTC(),
		}
		if err := a.put(ctx, seg.Key, "application/x-ndjson", buf.Bytes()); err != nil {
			return res, err
		}

		m.HashPolicy = a.source.HashPolicy()
		m.Segments = append(m.Segments, seg)
		m.UpdatedAt = seg.CreatedAt
		body, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return res, fmt.Errorf("encode manifest: %w", err)
		}
		if err := a.put(ctx, a.key(manifestName), "application/json", body); err != nil {
			return res, err
		}

		a.logger.Info("ledger segment archived",
			slog.String("key", seg.Key),
			slog.Uint64("first_seq", seg.FirstSeq),
			slog.Uint64("last_seq", seg.LastSeq),
		)
		res.Segments++
		res.Entries += seg.Count
		res.LastSeq = seg.LastSeq
		next, prevHash = seg.LastSeq+1, seg.LastHash
	}
	return res, nil
}

// VerifySegment downloads seg and checks it against its manifest checksum.
func (a *Archiver) VerifySegment(ctx context.Context, seg Segment) error {
	out, err := a.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(seg.Key),
	})
	if err != nil {
		return fmt.Errorf("get segment %s: %w", seg.Key, err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return fmt.Errorf("read segment %s: %w", seg.Key, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != seg.SHA256 {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, seg.Key)
	}
	return nil
}

func (a *Archiver) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
