package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/model"
	pkgerrors "gradeflow/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const archiveContentType = "application/zstd"

// ArchiveRecord is the audit copy of a finalized run.
type ArchiveRecord struct {
	SubmissionID     int64                  `json:"submission_id"`
	ProjectID        int64                  `json:"project_id"`
	TaskID           int64                  `json:"task_id"`
	TeamID           int64                  `json:"team_id"`
	Status           model.SubmissionStatus `json:"status"`
	PassedTests      int                    `json:"passed_tests"`
	PassedPercentage float64                `json:"passed_percentage"`
	Feedback         string                 `json:"feedback"`
	ExecutionLogs    []model.ResultEntry    `json:"execution_logs"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// LogArchive keeps finalized execution logs outside the database.
type LogArchive interface {
	Archive(ctx context.Context, record ArchiveRecord) (string, error)
	Fetch(ctx context.Context, key string) (*ArchiveRecord, error)
}

// ObjectLogArchive stores zstd-compressed JSON records in object storage.
type ObjectLogArchive struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewObjectLogArchive creates an archive writing under bucket/prefix.
func NewObjectLogArchive(store storage.ObjectStorage, bucket, prefix string) (*ObjectLogArchive, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &ObjectLogArchive{
		storage: store,
		bucket:  bucket,
		prefix:  prefix,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Archive uploads record and returns its object key.
func (a *ObjectLogArchive) Archive(ctx context.Context, record ArchiveRecord) (string, error) {
	if record.ExecutionLogs == nil {
		record.ExecutionLogs = []model.ResultEntry{}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.InternalServerError)
	}
	compressed := a.encoder.EncodeAll(payload, nil)
	key := ArchiveKey(a.prefix, record.SubmissionID, record.CompletedAt)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), archiveContentType); err != nil {
		return "", pkgerrors.Wrapf(err, pkgerrors.StorageError, "archive submission %d", record.SubmissionID)
	}
	return key, nil
}

// Fetch downloads and decodes an archived record.
func (a *ObjectLogArchive) Fetch(ctx context.Context, key string) (*ArchiveRecord, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "open archive %s", key)
	}
	defer reader.Close()
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.StorageError, "read archive %s", key)
	}
	payload, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ExecutionLogCorrupted, "decompress archive %s", key)
	}
	var record ArchiveRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ExecutionLogCorrupted, "decode archive %s", key)
	}
	return &record, nil
}

// Close releases the codec resources.
func (a *ObjectLogArchive) Close() {
	a.encoder.Close()
	a.decoder.Close()
}

// ArchiveKey is prefix/<submission id>/<completed at, unix nanos>.json.zst.
func ArchiveKey(prefix string, submissionID int64, completedAt time.Time) string {
	return path.Join(prefix, fmt.Sprintf("%d", submissionID), fmt.Sprintf("%d.json.zst", completedAt.UTC().UnixNano()))
}
