package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"posledger/backend/internal/audit"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/validation"
)

// Directory is the read side the guard needs plus the audit sink and PIN
// writes.
type Directory interface {
	audit.Writer
	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	FindEmployment(ctx context.Context, storeID string, employmentID string) (*domain.Employment, error)
	FindEmploymentByUser(ctx context.Context, storeID string, userID string) (*domain.Employment, error)
	FindShift(ctx context.Context, storeID string, employeeID string, date time.Time) (*domain.EmployeeShift, error)
	SetEmploymentPin(ctx context.Context, storeID string, employmentID string, pinHash string) error
}

// Client identifies the terminal a request came from, for the audit trail.
type Client struct {
	IPAddress string
	UserAgent string
}

// Guard resolves which employee is operating a shared terminal and gates
// operator switches behind a rate-limited PIN.
type Guard struct {
	dir       Directory
	attempts  store.AttemptStore
	audit     *audit.Recorder
	policy    Policy
	validator *validation.Validator
	now       func() time.Time
	logger    zerolog.Logger
	tracer    trace.Tracer
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithPolicy(p Policy) Option {
	return func(g *Guard) { g.policy = p }
}

func NewGuard(dir Directory, attempts store.AttemptStore, logger zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		dir:       dir,
		attempts:  attempts,
		audit:     audit.NewRecorder(dir, logger),
		policy:    DefaultPolicy(),
		validator: validation.New(),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		tracer:    otel.Tracer("posledger/operator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type ValidatePinRequest struct {
	StoreID      string `json:"store_id" validate:"required"`
	EmploymentID string `json:"employment_id" validate:"required"`
	Pin          string `json:"pin" validate:"required,len=4,number"`
	Client       Client `json:"-"`
}

type PinResult struct {
	Success           bool               `json:"success"`
	State             Kind               `json:"state"`
	AttemptsRemaining int                `json:"attempts_remaining"`
	BlockedUntil      time.Time          `json:"blocked_until,omitzero"`
	Message           string             `json:"message,omitempty"`
	Employment        *domain.Employment `json:"employment,omitempty"`
}

// ValidatePin checks a PIN for an employment. A wrong PIN is reported in the
// result with the attempts left; a blocked employment fails with
// *domain.PinLockedError until the cooldown elapses, even for a correct PIN.
func (g *Guard) ValidatePin(ctx context.Context, req ValidatePinRequest) (*PinResult, error) {
	ctx, span := g.tracer.Start(ctx, "operator.ValidatePin", trace.WithAttributes(
		attribute.String("store.id", req.StoreID),
		attribute.String("employment.id", req.EmploymentID),
	))
	defer span.End()

	if err := g.validator.Struct(req); err != nil {
		return nil, err
	}
	emp, err := g.dir.FindEmployment(ctx, req.StoreID, req.EmploymentID)
	if err != nil {
		return nil, fmt.Errorf("load employment: %w", err)
	}
	if !emp.IsActive {
		g.denied(ctx, req.StoreID, emp.UserID, emp.ID, "employment inactive", req.Client)
		return nil, &domain.ForbiddenError{Reason: "employment is not active"}
	}
	required, err := g.pinRequired(ctx, req.StoreID, emp)
	if err != nil {
		return nil, err
	}
	if !required {
		return &PinResult{Success: true, State: KindUnlocked, Employment: emp}, nil
	}
	return g.checkPin(ctx, emp, req.Pin, req.Client)
}

func (g *Guard) pinRequired(ctx context.Context, storeID string, emp *domain.Employment) (bool, error) {
	settings, err := g.dir.GetStoreSettings(ctx, storeID)
	if err != nil {
		return false, fmt.Errorf("load store: %w", err)
	}
	return settings.RequireEmployeePin && emp.RequiresPin, nil
}

func (g *Guard) checkPin(ctx context.Context, emp *domain.Employment, pin string, client Client) (*PinResult, error) {
	var (
		state       State
		matched     bool
		justBlocked bool
	)
	// The compare runs under the attempt lock so concurrent submissions
	// cannot each see the same failure count.
	err := g.attempts.UpdatePinAttempts(ctx, emp.ID, func(a *domain.PinAttempts) error {
		now := g.now()
		a.EmploymentID = emp.ID
		g.policy.expire(a, now)
		if cur := g.policy.Current(*a, now); cur.Kind == KindBlocked {
			state = cur
			return nil
		}
		if pinMatches(emp.PinHash, pin) {
			matched = true
			g.policy.succeed(a)
			state = State{Kind: KindUnlocked}
			return nil
		}
		state = g.policy.fail(a, now)
		justBlocked = state.Kind == KindBlocked
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update pin attempts: %w", err)
	}

	entry := domain.AuditLog{
		UserID:       emp.UserID,
		StoreID:      emp.StoreID,
		EmploymentID: emp.ID,
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
	}
	switch {
	case matched:
		entry.EventType = domain.AuditPinSuccess
		g.audit.Record(ctx, entry)
		return &PinResult{Success: true, State: KindUnlocked, Employment: emp}, nil

	case justBlocked:
		entry.EventType = domain.AuditPinFailed
		entry.Details = map[string]any{"attempts": state.Failures, "blocked_until": state.BlockedUntil}
		g.audit.Record(ctx, entry)
		g.logger.Warn().Str("employment_id", emp.ID).Time("blocked_until", state.BlockedUntil).Msg("pin blocked")
		return &PinResult{
			State:        KindBlocked,
			BlockedUntil: state.BlockedUntil,
			Message:      fmt.Sprintf("PIN blocked for %s", humanize(g.policy.Cooldown)),
		}, nil

	case state.Kind == KindBlocked:
		entry.EventType = domain.AuditPinFailed
		entry.Details = map[string]any{"blocked": true, "blocked_until": state.BlockedUntil}
		g.audit.Record(ctx, entry)
		return nil, &domain.PinLockedError{
			EmploymentID: emp.ID,
			Until:        state.BlockedUntil,
			RetryAfter:   state.BlockedUntil.Sub(g.now()),
		}

	default:
		entry.EventType = domain.AuditPinFailed
		entry.Details = map[string]any{"attempts": state.Failures}
		g.audit.Record(ctx, entry)
		g.logger.Warn().Str("employment_id", emp.ID).Int("attempts", state.Failures).Msg("pin validation failed")
		return &PinResult{
			State:             state.Kind,
			AttemptsRemaining: state.AttemptsRemaining,
			Message:           remainingMessage(state.AttemptsRemaining),
		}, nil
	}
}

func remainingMessage(n int) string {
	if n == 1 {
		return "incorrect PIN, 1 attempt remaining"
	}
	return fmt.Sprintf("incorrect PIN, %d attempts remaining", n)
}

func humanize(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second)/time.Second))
}

// ResolveActiveOperator returns the employee acting on the terminal. An empty
// or self-referencing activeOperatorID resolves to the session user without
// further checks; anyone else needs an active employment in the store.
func (g *Guard) ResolveActiveOperator(ctx context.Context, activeOperatorID string, sessionUserID string, storeID string, client Client) (string, error) {
	if activeOperatorID == "" || activeOperatorID == sessionUserID {
		return sessionUserID, nil
	}
	emp, err := g.dir.FindEmploymentByUser(ctx, storeID, activeOperatorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load employment: %w", err)
	}
	if err != nil || !emp.IsActive {
		g.denied(ctx, storeID, sessionUserID, "", "operator "+activeOperatorID+" not active in store", client)
		return "", &domain.ForbiddenError{Reason: "operator is not an active employee of this store"}
	}
	return emp.UserID, nil
}

type SelectOperatorRequest struct {
	StoreID      string `json:"store_id" validate:"required"`
	EmploymentID string `json:"employment_id" validate:"required"`
	Pin          string `json:"pin" validate:"omitempty,len=4,number"`
	Client       Client `json:"-"`
}

type Selection struct {
	Selected   bool                  `json:"selected"`
	OperatorID string                `json:"operator_id,omitempty"`
	State      Kind                  `json:"state"`
	Employment *domain.Employment    `json:"employment"`
	Shift      *domain.EmployeeShift `json:"shift,omitempty"`
	Pin        *PinResult            `json:"pin,omitempty"`
}

// SelectOperator switches the terminal to an employee. Stores that do not
// require PINs go straight to UNLOCKED; otherwise the PIN must validate.
func (g *Guard) SelectOperator(ctx context.Context, req SelectOperatorRequest) (*Selection, error) {
	if err := g.validator.Struct(req); err != nil {
		return nil, err
	}
	emp, err := g.dir.FindEmployment(ctx, req.StoreID, req.EmploymentID)
	if err != nil {
		return nil, fmt.Errorf("load employment: %w", err)
	}
	if !emp.IsActive {
		g.denied(ctx, req.StoreID, emp.UserID, emp.ID, "employment inactive", req.Client)
		return nil, &domain.ForbiddenError{Reason: "employment is not active"}
	}

	sel := &Selection{Employment: emp, State: KindUnlocked}
	required, err := g.pinRequired(ctx, req.StoreID, emp)
	if err != nil {
		return nil, err
	}
	if required {
		if req.Pin == "" {
			return nil, domain.Invalid("pin", "is required")
		}
		res, err := g.checkPin(ctx, emp, req.Pin, req.Client)
		if err != nil {
			return nil, err
		}
		sel.Pin = res
		sel.State = res.State
		if !res.Success {
			return sel, nil
		}
	}

	sel.Selected = true
	sel.OperatorID = emp.UserID
	shift, err := g.dir.FindShift(ctx, req.StoreID, emp.UserID, g.now())
	switch {
	case err == nil:
		sel.Shift = shift
	case !errors.Is(err, store.ErrNotFound):
		g.logger.Warn().Err(err).Str("employment_id", emp.ID).Msg("load shift failed")
	}
	return sel, nil
}

type SetPinRequest struct {
	StoreID      string `json:"store_id" validate:"required"`
	EmploymentID string `json:"employment_id" validate:"required"`
	ActorUserID  string `json:"actor_user_id" validate:"required"`
	Pin          string `json:"pin" validate:"required,len=4,number"`
	ConfirmPin   string `json:"confirm_pin" validate:"required,eqfield=Pin"`
	Client       Client `json:"-"`
}

// SetPin stores a new bcrypt PIN hash and clears any lockout. The owner,
// admins, managers and the employee themselves may set it.
func (g *Guard) SetPin(ctx context.Context, req SetPinRequest) error {
	if err := g.validator.Struct(req); err != nil {
		return err
	}
	if err := checkPinStrength(req.Pin); err != nil {
		return domain.Invalid("pin", err.Error())
	}
	emp, err := g.dir.FindEmployment(ctx, req.StoreID, req.EmploymentID)
	if err != nil {
		return fmt.Errorf("load employment: %w", err)
	}
	if err := g.canManagePin(ctx, req.StoreID, req.ActorUserID, emp); err != nil {
		g.denied(ctx, req.StoreID, req.ActorUserID, emp.ID, "set pin", req.Client)
		return err
	}

	hash, err := hashPin(req.Pin)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	if err := g.dir.SetEmploymentPin(ctx, req.StoreID, emp.ID, hash); err != nil {
		return fmt.Errorf("save pin: %w", err)
	}
	err = g.attempts.UpdatePinAttempts(ctx, emp.ID, func(a *domain.PinAttempts) error {
		g.policy.succeed(a)
		return nil
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("employment_id", emp.ID).Msg("reset pin attempts failed")
	}
	g.audit.Record(ctx, domain.AuditLog{
		EventType:    domain.AuditPinChanged,
		UserID:       req.ActorUserID,
		StoreID:      req.StoreID,
		EmploymentID: emp.ID,
		IPAddress:    req.Client.IPAddress,
		UserAgent:    req.Client.UserAgent,
	})
	return nil
}

func (g *Guard) canManagePin(ctx context.Context, storeID string, actorUserID string, target *domain.Employment) error {
	if actorUserID == target.UserID {
		return nil
	}
	settings, err := g.dir.GetStoreSettings(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	if settings.OwnerID == actorUserID {
		return nil
	}
	actor, err := g.dir.FindEmploymentByUser(ctx, storeID, actorUserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load employment: %w", err)
	}
	if err == nil && actor.IsActive && (actor.Role == domain.RoleAdmin || actor.Role == domain.RoleManager) {
		return nil
	}
	return &domain.ForbiddenError{Reason: "only owners, admins and managers may set another employee's PIN"}
}

// State reports the current lock state of an employment without consuming
// an attempt.
func (g *Guard) State(ctx context.Context, storeID string, employmentID string) (State, error) {
	emp, err := g.dir.FindEmployment(ctx, storeID, employmentID)
	if err != nil {
		return State{}, fmt.Errorf("load employment: %w", err)
	}
	required, err := g.pinRequired(ctx, storeID, emp)
	if err != nil {
		return State{}, err
	}
	if !required {
		return State{Kind: KindUnlocked}, nil
	}
	var current State
	err = g.attempts.UpdatePinAttempts(ctx, emp.ID, func(a *domain.PinAttempts) error {
		current = g.policy.Current(*a, g.now())
		return errReadOnly
	})
	if err != nil && !errors.Is(err, errReadOnly) {
		return State{}, fmt.Errorf("read pin attempts: %w", err)
	}
	return current, nil
}

var errReadOnly = errors.New("read only")

// Ping checks the attempt store backing the lockout.
func (g *Guard) Ping(ctx context.Context) error {
	return g.attempts.Ping(ctx)
}

func (g *Guard) denied(ctx context.Context, storeID string, userID string, employmentID string, reason string, client Client) {
	g.logger.Warn().Str("store_id", storeID).Str("user_id", userID).Str("reason", reason).Msg("access denied")
	g.audit.Record(ctx, domain.AuditLog{
		EventType:    domain.AuditAccessDenied,
		UserID:       userID,
		StoreID:      storeID,
		EmploymentID: employmentID,
		Details:      map[string]any{"reason": reason},
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
	})
}
