package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cajaflow/backend/internal/domain"
	"cajaflow/backend/internal/lock"
	"cajaflow/backend/internal/logger"
	"cajaflow/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Settings is the configuration collaborator: tax and voucher numbering.
type Settings interface {
	TaxRate() decimal.Decimal
	TaxEnabled() bool
	SeriesFor(kind string) string
}

type Service struct {
	repo     store.Repository
	locker   lock.Locker
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo store.Repository, locker lock.Locker, settings Settings, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		settings: settings,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// withLock runs fn while holding the aggregate lock named by key. A busy
// aggregate is reported as a conflict so the caller can retry.
func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	lease, err := s.locker.Obtain(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return fmt.Errorf("%w: %s is busy, retry", store.ErrConflict, key)
		}
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log(ctx).Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn()
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, s.logger)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	}
	s.log(ctx).Named("audit").Info(action, append(base, fields...)...)
}

// reportConsistency raises an alert for invariant violations. The error is
// returned unchanged.
func (s *Service) reportConsistency(ctx context.Context, err error, fields ...zap.Field) error {
	if errors.Is(err, store.ErrConsistency) {
		s.log(ctx).Error("consistency violation", append(fields, zap.Error(err))...)
	}
	return err
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, fmt.Sprintf(format, args...))
}

// nextCode allocates "<series>-<000042>" for the given document kind.
// nextCode numbers a document outside the document's own transaction; a
// failed insert afterwards leaves a gap in the series.
func (s *Service) nextCode(ctx context.Context, kind string) (string, error) {
	series := s.settings.SeriesFor(kind)
	seq, err := s.repo.NextSequence(ctx, series)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", series, seq), nil
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}
