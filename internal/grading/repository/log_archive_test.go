package repository_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/model"
	"gradeflow/internal/grading/repository"
	pkgerrors "gradeflow/pkg/errors"
)

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memoryStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memoryStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("object %s not found", key)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data)), ContentType: m.types[bucket+"/"+key]}, nil
}

func (m *memoryStorage) EnsureBucket(context.Context, string) error { return nil }

func TestLogArchiveRoundTrip(t *testing.T) {
	t.Parallel()
	store := newMemoryStorage()
	archive, err := repository.NewObjectLogArchive(store, "grading", "logs")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	defer archive.Close()
	ctx := context.Background()
	completedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	record := repository.ArchiveRecord{
		SubmissionID:     12,
		Status:           model.StatusPassed,
		PassedTests:      1,
		PassedPercentage: 100,
		Feedback:         "Submission 12 passed successfully with 5 points.",
		ExecutionLogs:    []model.ResultEntry{{TestCaseID: 1, Name: "create", Passed: true, PointsEarned: 5}},
		CompletedAt:      completedAt,
	}
	key, err := archive.Archive(ctx, record)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if key != repository.ArchiveKey("logs", 12, completedAt) {
		t.Fatalf("unexpected key %q", key)
	}
	stat, err := store.StatObject(ctx, "grading", key)
	if err != nil || stat.ContentType != "application/zstd" {
		t.Fatalf("unexpected stat %+v, %v", stat, err)
	}

	got, err := archive.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.SubmissionID != 12 || got.Feedback != record.Feedback || len(got.ExecutionLogs) != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CompletedAt.Equal(completedAt) {
		t.Fatalf("expected completed at %v, got %v", completedAt, got.CompletedAt)
	}
}

func TestLogArchiveRejectsCorruptObjects(t *testing.T) {
	t.Parallel()
	store := newMemoryStorage()
	archive, err := repository.NewObjectLogArchive(store, "grading", "")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	defer archive.Close()
	ctx := context.Background()
	if err := store.PutObject(ctx, "grading", "bad.json.zst", bytes.NewReader([]byte("plain")), 5, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := archive.Fetch(ctx, "bad.json.zst"); !pkgerrors.Is(err, pkgerrors.ExecutionLogCorrupted) {
		t.Fatalf("expected ExecutionLogCorrupted, got %v", err)
	}
}

func TestNewObjectLogArchiveRequiresBucket(t *testing.T) {
	t.Parallel()
	if _, err := repository.NewObjectLogArchive(newMemoryStorage(), "", "logs"); err == nil {
		t.Fatalf("expected bucket error")
	}
}
