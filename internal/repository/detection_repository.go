package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vectorops-cmd/liveguard/internal/logging"
)

// DetectionLog is one persisted detection outcome.
type DetectionLog struct {
	ID               uint      `gorm:"primaryKey"`
	RequestID        string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Timestamp        time.Time `gorm:"column:timestamp;index"`
	ImagePath        string    `gorm:"column:image_path;size:255"`
	Prediction       string    `gorm:"column:prediction;size:20"`
	Canonical        string    `gorm:"column:canonical;size:10;index"`
	Confidence       float64   `gorm:"column:confidence"`
	AttackType       string    `gorm:"column:attack_type;size:50"`
	ProcessingTimeMs *int64    `gorm:"column:processing_time_ms"`
	ModelName        string    `gorm:"column:model_name;size:128"`
	SHA1Hash         string    `gorm:"column:sha1_hash;index;size:40"`
}

// TableName overrides the default table name.
func (DetectionLog) TableName() string {
	return "detection_logs"
}

// StatsSummary are the aggregate counters over all persisted detections.
type StatsSummary struct {
	Total int64 `json:"total"`
	Real  int64 `json:"real"`
	Fake  int64 `json:"fake"`
}

// DetectionRepository provides persistence for detection logs.
type DetectionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDetectionRepository creates a new repository instance.
func NewDetectionRepository(db *gorm.DB, logger *zap.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:             db,
		logger:         logger.Named("detection_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DetectionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DetectionLog{})
}

// Save persists one detection log entry.
func (r *DetectionRepository) Save(ctx context.Context, log *DetectionLog) error {
	return r.executeWithRetry(ctx, "repository.save_detection", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// Recent returns up to limit entries, newest first.
func (r *DetectionRepository) Recent(ctx context.Context, limit int) ([]*DetectionLog, error) {
	var logs []*DetectionLog
	err := r.executeWithRetry(ctx, "repository.recent_detections", "", func() error {
		return r.db.WithContext(ctx).
			Order("timestamp DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// FindByRequestID retrieves a single detection by request id.
func (r *DetectionRepository) FindByRequestID(ctx context.Context, requestID string) (*DetectionLog, error) {
	var log DetectionLog
	err := r.executeWithRetry(ctx, "repository.find_detection", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateStats counts persisted detections per canonical label.
func (r *DetectionRepository) AggregateStats(ctx context.Context) (*StatsSummary, error) {
	var summary StatsSummary
	err := r.executeWithRetry(ctx, "repository.aggregate_stats", "", func() error {
		db := r.db.WithContext(ctx)
		if err := db.Model(&DetectionLog{}).Count(&summary.Total).Error; err != nil {
			return err
		}
		if err := db.Model(&DetectionLog{}).Where("canonical = ?", "real").Count(&summary.Real).Error; err != nil {
			return err
		}
		return db.Model(&DetectionLog{}).Where("canonical = ?", "fake").Count(&summary.Fake).Error
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (r *DetectionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
