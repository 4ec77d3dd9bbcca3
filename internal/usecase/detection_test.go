package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/vectorops-cmd/liveguard/internal/history"
	"github.com/vectorops-cmd/liveguard/internal/inference"
	"github.com/vectorops-cmd/liveguard/internal/logging"
	"github.com/vectorops-cmd/liveguard/internal/repository"
)

type stubStore struct {
	savedLogs []*repository.DetectionLog
	saveErr   error
	recent    []*repository.DetectionLog
	stats     *repository.StatsSummary
}

func (s *stubStore) Save(ctx context.Context, log *repository.DetectionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubStore) Recent(ctx context.Context, limit int) ([]*repository.DetectionLog, error) {
	return s.recent, nil
}

func (s *stubStore) AggregateStats(ctx context.Context) (*repository.StatsSummary, error) {
	if s.stats == nil {
		return &repository.StatsSummary{}, nil
	}
	return s.stats, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return value, err
	}
	return value, nil
}

// missCache always reports a cache miss.
type missCache struct{ stubCache }

func (m *missCache) Get(ctx context.Context, key string) (string, error) {
	m.getKeys = append(m.getKeys, key)
	return "", redis.Nil
}

type stubDetector struct {
	result      *inference.Result
	err         error
	detectCalls int
	logs        []inference.LogRow
	logsErr     error
}

func (s *stubDetector) Detect(ctx context.Context, image []byte, source string) (*inference.Result, error) {
	s.detectCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubDetector) Ping(ctx context.Context) (*inference.Status, error) {
	return &inference.Status{ModelName: "stub", ModelLoaded: true}, nil
}

func (s *stubDetector) RecentLogs(ctx context.Context, limit int) ([]inference.LogRow, error) {
	if s.logsErr != nil {
		return nil, s.logsErr
	}
	return s.logs, nil
}

type stubHub struct {
	messages [][]byte
}

func (s *stubHub) Broadcast(message []byte) {
	s.messages = append(s.messages, message)
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func int64ptr(v int64) *int64 { return &v }

func newTestUseCase(store *stubStore, cache Cache, detector *stubDetector, hub *stubHub) (*DetectionUseCase, *history.List) {
	recent := history.NewList(10, inference.CanonicalLabel)
	var broadcaster Broadcaster
	if hub != nil {
		broadcaster = hub
	}
	return NewDetectionUseCase(store, cache, detector, broadcaster, recent, zap.NewNop()), recent
}

func TestDetectPersistsCachesAndPublishes(t *testing.T) {
	store := &stubStore{}
	cache := &missCache{}
	detector := &stubDetector{result: &inference.Result{
		Label:            "spoof",
		Confidence:       0.873,
		ProcessingTimeMs: int64ptr(42),
		AttackType:       "print",
		Filename:         "frame.jpg",
	}}
	hub := &stubHub{}
	uc, recent := newTestUseCase(store, cache, detector, hub)

	outcome, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.RequestID == "" {
		t.Fatal("expected a request id")
	}
	if outcome.Cached {
		t.Fatal("fresh detection reported as cached")
	}
	if outcome.Display.Label != "SPOOF" || outcome.Display.Confidence != "87%" || outcome.Display.ProcessingTime != "42 ms" {
		t.Fatalf("unexpected display block: %+v", outcome.Display)
	}

	if len(store.savedLogs) != 1 {
		t.Fatalf("expected 1 persisted log, got %d", len(store.savedLogs))
	}
	log := store.savedLogs[0]
	if log.Prediction != "spoof" || log.Canonical != "fake" {
		t.Fatalf("unexpected persisted log: %+v", log)
	}

	if len(cache.setKeys) == 0 {
		t.Fatal("result was not cached")
	}

	snap := recent.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 recent entry, got %d", len(snap))
	}
	if snap[0].ThumbnailRef != "/uploads/frame.jpg" {
		t.Fatalf("unexpected thumbnail ref: %s", snap[0].ThumbnailRef)
	}

	if len(hub.messages) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(hub.messages))
	}
	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(hub.messages[0], &event); err != nil || event.Type != "detection" {
		t.Fatalf("unexpected broadcast payload: %s", hub.messages[0])
	}
}

func TestDetectRejectsConcurrentCalls(t *testing.T) {
	store := &stubStore{}
	cache := &missCache{}
	started := make(chan struct{})
	release := make(chan struct{})
	detector := &blockingDetector{started: started, release: release}
	recent := history.NewList(10, nil)
	uc := NewDetectionUseCase(store, cache, detector, nil, recent, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
		done <- err
	}()

	<-started
	_, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
	if !errors.Is(err, ErrDetectionInFlight) {
		t.Fatalf("expected ErrDetectionInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first detection should have succeeded: %v", err)
	}

	// Once resolved, the gate reopens.
	if _, err := uc.Detect(context.Background(), []byte("other"), "camera", ""); err != nil {
		t.Fatalf("expected gate to reopen, got %v", err)
	}
}

type blockingDetector struct {
	started chan struct{}
	release chan struct{}
	calls   int
}

func (b *blockingDetector) Detect(ctx context.Context, image []byte, source string) (*inference.Result, error) {
	b.calls++
	if b.calls == 1 {
		close(b.started)
		<-b.release
	}
	return &inference.Result{Label: "real", Confidence: 0.5}, nil
}

func (b *blockingDetector) Ping(ctx context.Context) (*inference.Status, error) {
	return &inference.Status{}, nil
}

func (b *blockingDetector) RecentLogs(ctx context.Context, limit int) ([]inference.LogRow, error) {
	return nil, nil
}

func TestDetectServesDuplicateFrameFromCache(t *testing.T) {
	cached := cachedDetection{
		RequestID:        "earlier-request",
		Label:            "real",
		Confidence:       0.61,
		ProcessingTimeMs: int64ptr(10),
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		t.Fatal(err)
	}

	store := &stubStore{}
	cache := &stubCache{getValues: []string{string(serialized)}}
	detector := &stubDetector{err: errors.New("backend must not be called")}
	uc, recent := newTestUseCase(store, cache, detector, nil)

	outcome, err := uc.Detect(context.Background(), []byte("image"), "upload", "local-preview")
	if err != nil {
		t.Fatalf("expected cached result, got error: %v", err)
	}
	if !outcome.Cached {
		t.Fatal("expected outcome to be marked cached")
	}
	if detector.detectCalls != 0 {
		t.Fatalf("detector should not have been called, got %d calls", detector.detectCalls)
	}
	if len(store.savedLogs) != 0 {
		t.Fatal("cache hit should not persist a new log")
	}
	if outcome.Result.Label != "real" || outcome.Result.Confidence != 0.61 {
		t.Fatalf("unexpected cached result: %+v", outcome.Result)
	}
	snap := recent.Snapshot()
	if len(snap) != 1 || snap[0].ThumbnailRef != "local-preview" {
		t.Fatalf("cache hit should still land in recent list: %+v", snap)
	}
}

func TestDetectRetriesTransientCacheSet(t *testing.T) {
	store := &stubStore{}
	cache := &stubCache{getErrs: []error{redis.Nil}, setErrs: []error{transientRedisError{}}}
	detector := &stubDetector{result: &inference.Result{Label: "real", Confidence: 0.9}}
	uc, _ := newTestUseCase(store, cache, detector, nil)

	outcome, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Result.Label != "real" {
		t.Fatalf("unexpected result: %+v", outcome.Result)
	}
	if len(cache.setKeys) < 2 {
		t.Fatalf("expected a retried cache set, got %d calls", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("retry targeted a different key: %s vs %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(store.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(store.savedLogs))
	}
}

func TestDetectReturnsOperationErrorOnCacheFailure(t *testing.T) {
	store := &stubStore{}
	cache := &stubCache{getErrs: []error{redis.Nil}, setErrs: []error{errors.New("boom")}}
	detector := &stubDetector{result: &inference.Result{Label: "real", Confidence: 0.5}}
	uc, _ := newTestUseCase(store, cache, detector, nil)

	_, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.detection" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestDetectPropagatesInferenceErrors(t *testing.T) {
	store := &stubStore{}
	cache := &missCache{}
	wantErr := &inference.StatusError{Code: 500, Body: "Internal Server Error"}
	detector := &stubDetector{err: wantErr}
	uc, recent := newTestUseCase(store, cache, detector, nil)

	_, err := uc.Detect(context.Background(), []byte("image"), "camera", "")
	var statusErr *inference.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if recent.Len() != 0 {
		t.Fatal("failed detection must not land in recent list")
	}
	if len(store.savedLogs) != 0 {
		t.Fatal("failed detection must not be persisted")
	}
}

func TestPrimeHistory(t *testing.T) {
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	detector := &stubDetector{logs: []inference.LogRow{
		{Result: inference.Result{Label: "fake", Confidence: 0.9, Filename: "a.jpg"}, Timestamp: ts},
		{Result: inference.Result{Label: "real", Confidence: 0.8}, Timestamp: ts},
	}}
	uc, recent := newTestUseCase(&stubStore{}, &missCache{}, detector, nil)

	if err := uc.PrimeHistory(context.Background(), 10); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	snap := recent.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 primed entries, got %d", len(snap))
	}
	if snap[0].ThumbnailRef != "/uploads/a.jpg" {
		t.Fatalf("unexpected thumbnail ref: %s", snap[0].ThumbnailRef)
	}
	if snap[1].ThumbnailRef != "" {
		t.Fatalf("entry without server copy should have no ref: %s", snap[1].ThumbnailRef)
	}
}

func TestPrimeHistoryFailureLeavesListEmpty(t *testing.T) {
	detector := &stubDetector{logsErr: errors.New("unreachable")}
	uc, recent := newTestUseCase(&stubStore{}, &missCache{}, detector, nil)

	if err := uc.PrimeHistory(context.Background(), 10); err == nil {
		t.Fatal("expected error, got nil")
	}
	if recent.Len() != 0 {
		t.Fatal("list should stay empty on prefetch failure")
	}
}
