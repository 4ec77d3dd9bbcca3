package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vectorops-cmd/liveguard/internal/history"
	"github.com/vectorops-cmd/liveguard/internal/inference"
	"github.com/vectorops-cmd/liveguard/internal/logging"
	"github.com/vectorops-cmd/liveguard/internal/render"
	"github.com/vectorops-cmd/liveguard/internal/repository"
)

// ErrDetectionInFlight rejects a detection started while another one from
// the same gateway is still unresolved.
var ErrDetectionInFlight = errors.New("a detection is already in flight")

// Detector is the subset of the inference client the use case needs.
type Detector interface {
	Detect(ctx context.Context, image []byte, source string) (*inference.Result, error)
	Ping(ctx context.Context) (*inference.Status, error)
	RecentLogs(ctx context.Context, limit int) ([]inference.LogRow, error)
}

// DetectionStore defines the persistence operations needed by the use case.
type DetectionStore interface {
	Save(ctx context.Context, log *repository.DetectionLog) error
	Recent(ctx context.Context, limit int) ([]*repository.DetectionLog, error)
	AggregateStats(ctx context.Context) (*repository.StatsSummary, error)
}

// Broadcaster pushes detection events to live subscribers.
type Broadcaster interface {
	Broadcast(message []byte)
}

// Outcome bundles everything a caller needs to present one detection.
type Outcome struct {
	RequestID string            `json:"request_id"`
	Result    *inference.Result `json:"-"`
	Display   render.Rendered   `json:"display"`
	Cached    bool              `json:"cached"`
}

// cachedDetection is the serialized form stored in Redis, keyed by the
// SHA-1 of the submitted frame.
type cachedDetection struct {
	RequestID        string  `json:"request_id"`
	Label            string  `json:"label"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs *int64  `json:"processing_time_ms"`
	AttackType       string  `json:"attack_type,omitempty"`
	Filename         string  `json:"filename,omitempty"`
	Hash             string  `json:"sha1_hash"`
}

// DetectionUseCase owns the detection cycle: gate, cache, inference,
// persistence, history, broadcast.
type DetectionUseCase struct {
	store          DetectionStore
	cache          Cache
	detector       Detector
	hub            Broadcaster
	recent         *history.List
	logger         *zap.Logger
	inFlight       atomic.Bool
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDetectionUseCase constructs a new use case instance. hub may be nil
// when no live feed is wanted.
func NewDetectionUseCase(store DetectionStore, cache Cache, detector Detector, hub Broadcaster, recent *history.List, logger *zap.Logger) *DetectionUseCase {
	return &DetectionUseCase{
		store:          store,
		cache:          cache,
		detector:       detector,
		hub:            hub,
		recent:         recent,
		logger:         logger.Named("detection_usecase"),
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// SetResultTTL overrides how long detection results stay cached.
func (uc *DetectionUseCase) SetResultTTL(ttl time.Duration) {
	if ttl > 0 {
		uc.resultTTL = ttl
	}
}

// Detect runs one detection cycle. Exactly one cycle may be in flight at a
// time; concurrent calls fail fast with ErrDetectionInFlight. previewRef is
// the caller-side thumbnail fallback used when the backend keeps no copy of
// the frame.
func (uc *DetectionUseCase) Detect(ctx context.Context, image []byte, source, previewRef string) (*Outcome, error) {
	if !uc.inFlight.CompareAndSwap(false, true) {
		return nil, ErrDetectionInFlight
	}
	defer uc.inFlight.Store(false)

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.detect", requestID)

	hash := sha1.Sum(image)
	hashHex := hex.EncodeToString(hash[:])
	cacheKey := fmt.Sprintf("detection:%s", hashHex)

	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.detection", cacheKey); err == nil {
		var payload cachedDetection
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached detection", zap.Error(err))
		} else {
			result := &inference.Result{
				Label:            payload.Label,
				Confidence:       payload.Confidence,
				ProcessingTimeMs: payload.ProcessingTimeMs,
				AttackType:       payload.AttackType,
				Filename:         payload.Filename,
			}
			opLogger.Info("duplicate frame served from cache",
				zap.String("hash", hashHex), zap.String("cached_request_id", payload.RequestID))
			return uc.publish(requestID, result, previewRef, true), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read detection cache", zap.Error(err))
	}

	result, err := uc.detector.Detect(ctx, image, source)
	if err != nil {
		opLogger.Error("inference call failed", zap.Error(err))
		return nil, err
	}

	now := time.Now().UTC()
	log := &repository.DetectionLog{
		RequestID:        requestID,
		Timestamp:        now,
		ImagePath:        result.Filename,
		Prediction:       result.Label,
		Canonical:        inference.CanonicalLabel(result.Label),
		Confidence:       result.Confidence,
		AttackType:       result.AttackType,
		ProcessingTimeMs: result.ProcessingTimeMs,
	}
	if err := uc.store.Save(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_detection", requestID, err)
		opLogger.Error("failed to persist detection log", zap.Error(wrapped))
		return nil, wrapped
	}

	cached := cachedDetection{
		RequestID:        requestID,
		Label:            result.Label,
		Confidence:       result.Confidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		AttackType:       result.AttackType,
		Filename:         result.Filename,
		Hash:             hashHex,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize detection result", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.detection", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache detection result", zap.Error(err))
		return nil, err
	}

	return uc.publish(requestID, result, previewRef, false), nil
}

// publish appends the result to the recent list, notifies subscribers and
// builds the outcome. Rendering and the history append always happen
// together: whatever is shown is also remembered.
func (uc *DetectionUseCase) publish(requestID string, result *inference.Result, previewRef string, cached bool) *Outcome {
	entry := history.Entry{
		Label:        result.Label,
		Confidence:   result.Confidence,
		Timestamp:    time.Now().UTC(),
		ThumbnailRef: previewRef,
	}
	if result.Filename != "" {
		entry.ThumbnailRef = "/uploads/" + result.Filename
	}
	uc.recent.Add(entry)

	outcome := &Outcome{
		RequestID: requestID,
		Result:    result,
		Display:   render.Result(result),
		Cached:    cached,
	}

	if uc.hub != nil {
		event := struct {
			Type    string          `json:"type"`
			Entry   history.Entry   `json:"entry"`
			Display render.Rendered `json:"display"`
		}{Type: "detection", Entry: entry, Display: outcome.Display}
		if payload, err := json.Marshal(event); err == nil {
			uc.hub.Broadcast(payload)
		}
	}

	return outcome
}

// Status probes backend liveness. One shot, never retried.
func (uc *DetectionUseCase) Status(ctx context.Context) (*inference.Status, error) {
	return uc.detector.Ping(ctx)
}

// RecentEntries snapshots the bounded recent list, newest first.
func (uc *DetectionUseCase) RecentEntries() []history.Entry {
	return uc.recent.Snapshot()
}

// RecentCounts tallies the recent list by canonical label.
func (uc *DetectionUseCase) RecentCounts() history.Counts {
	return uc.recent.Counts()
}

// RecentLogs lists up to limit persisted detections, newest first.
func (uc *DetectionUseCase) RecentLogs(ctx context.Context, limit int) ([]*repository.DetectionLog, error) {
	return uc.store.Recent(ctx, limit)
}

// StatsSummary aggregates all persisted detections.
func (uc *DetectionUseCase) StatsSummary(ctx context.Context) (*repository.StatsSummary, error) {
	return uc.store.AggregateStats(ctx)
}

// PrimeHistory seeds the recent list from the backend's detection log. A
// failure leaves the list empty and is not fatal.
func (uc *DetectionUseCase) PrimeHistory(ctx context.Context, limit int) error {
	rows, err := uc.detector.RecentLogs(ctx, limit)
	if err != nil {
		uc.logger.Warn("could not prefetch detection history", zap.Error(err))
		return err
	}

	entries := make([]history.Entry, 0, len(rows))
	for _, row := range rows {
		entry := history.Entry{
			Label:      row.Label,
			Confidence: row.Confidence,
			Timestamp:  row.Timestamp,
		}
		if row.Filename != "" {
			entry.ThumbnailRef = "/uploads/" + row.Filename
		}
		entries = append(entries, entry)
	}
	uc.recent.Prime(entries)
	uc.logger.Info("recent list primed", zap.Int("entries", len(entries)))
	return nil
}

func (uc *DetectionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DetectionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
