package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"posledger/backend/internal/audit"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/inventory"
	"posledger/backend/internal/store"
	"posledger/backend/internal/validation"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service hosts the sale and return processors and the inventory operations
// built on the ledger and batch allocator.
type Service struct {
	store     store.Store
	ledger    *inventory.Ledger
	allocator *inventory.Allocator
	audit     *audit.Recorder
	validator *validation.Validator
	now       func() time.Time
	logger    zerolog.Logger
	tracer    trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, ledger *inventory.Ledger, allocator *inventory.Allocator, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		ledger:    ledger,
		allocator: allocator,
		audit:     audit.NewRecorder(st, logger),
		validator: validation.New(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		tracer:    otel.Tracer("posledger/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorizeOperator accepts the store owner or an active employee whose role
// may handle the till.
func (s *Service) authorizeOperator(ctx context.Context, staff staffReader, storeID string, operatorID string) error {
	return s.authorize(ctx, staff, storeID, operatorID, domain.EmploymentRole.CanSell)
}

func (s *Service) authorizeRole(ctx context.Context, staff staffReader, storeID string, userID string, roles ...domain.EmploymentRole) error {
	return s.authorize(ctx, staff, storeID, userID, func(role domain.EmploymentRole) bool {
		return slices.Contains(roles, role)
	})
}

// staffReader is satisfied by both store.Reader and store.Tx.
type staffReader interface {
	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error)
}

func (s *Service) authorize(ctx context.Context, staff staffReader, storeID string, userID string, allowed func(domain.EmploymentRole) bool) error {
	settings, err := staff.GetStoreSettings(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	if settings.OwnerID != "" && settings.OwnerID == userID {
		return nil
	}
	emp, err := staff.FindEmploymentByUser(ctx, storeID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.OperatorNotAuthorizedError{OperatorID: userID, StoreID: storeID}
	}
	if err != nil {
		return fmt.Errorf("load employment: %w", err)
	}
	if !emp.IsActive || !allowed(emp.Role) {
		return &domain.OperatorNotAuthorizedError{OperatorID: userID, StoreID: storeID}
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
