package deduplication

import (
	"context"
	"fmt"
	"time"

	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/pkg/metrics"
	"liminal/pkg/tracing"
)

// Service decides whether a message was already seen within the TTL.
type Service struct {
	stage  string
	repo   Repository
	hasher *Hasher
	cfg    Config
	logger logger.Logger
}

func NewService(stage string, repo Repository, cfg Config, log logger.Logger) (*Service, error) {
	hasher, err := NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	if len(cfg.FieldsToHash) == 0 {
		cfg.FieldsToHash = []string{"source", constants.DefaultField}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = constants.DefaultTTLSeconds * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = constants.CacheKeyPrefixDedup + stage + ":"
	}
	if cfg.OnStoreError == "" {
		cfg.OnStoreError = constants.FallbackAllow
	}
	if log == nil {
		log = logger.NopLogger()
	}

	return &Service{
		stage:  stage,
		repo:   repo,
		hasher: hasher,
		cfg:    cfg,
		logger: log,
	}, nil
}

// Check reports whether msg is unique. A store failure is resolved by the
// on_store_error fallback: allow treats the message as unique, deny returns
// the error.
func (s *Service) Check(ctx context.Context, msg message.Message) (bool, error) {
	ctx, span := tracing.StartStageSpan(ctx, s.stage, "deduplication.check")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	hash, err := s.hasher.ComputeHash(msg, s.cfg.FieldsToHash)
	if err != nil {
		return false, fmt.Errorf("failed to compute hash for message %s: %w", msg.ID, err)
	}

	unique, err := s.repo.SetNX(ctx, s.cfg.KeyPrefix+hash, msg.IngestionTime.Unix(), s.cfg.TTL)
	if err != nil {
		return s.handleStoreError(ctx, err, msg.ID)
	}

	s.recordMetrics(unique)
	return unique, nil
}

func (s *Service) Fields() []string {
	fields := make([]string, len(s.cfg.FieldsToHash))
	copy(fields, s.cfg.FieldsToHash)
	return fields
}

func (s *Service) handleStoreError(ctx context.Context, err error, msgID string) (bool, error) {
	metrics.IncDedupMessages(s.stage, "error")

	if s.cfg.OnStoreError == constants.FallbackAllow {
		metrics.IncFallbackUsage(s.stage, "allow_on_error", "store_error")
		s.logger.WarnwCtx(ctx, "Dedup store error, allowing message (fallback: allow)",
			"message_id", msgID,
			"error", err,
		)
		return true, nil
	}

	metrics.IncFallbackUsage(s.stage, "deny_on_error", "store_error")
	return false, fmt.Errorf("dedup store error for message %s: %w", msgID, err)
}

func (s *Service) recordMetrics(isUnique bool) {
	status := "duplicate"
	if isUnique {
		status = "unique"
	}
	metrics.IncDedupMessages(s.stage, status)
}
