package operator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mustHash(t *testing.T, pin string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestGuard(t *testing.T, requirePin bool) (*Guard, *memory.Store, *clock) {
	t.Helper()
	s := memory.New()
	s.PutStore(domain.StoreSettings{ID: "s1", OwnerID: "owner", RequireEmployeePin: requirePin})
	s.PutEmployment(domain.Employment{ID: "e1", UserID: "alice", StoreID: "s1", Role: domain.RoleCashier,
		IsActive: true, RequiresPin: true, PinHash: mustHash(t, "2580")})
	s.PutEmployment(domain.Employment{ID: "e2", UserID: "bob", StoreID: "s1", Role: domain.RoleManager,
		IsActive: true, RequiresPin: true, PinHash: mustHash(t, "1397")})
	s.PutEmployment(domain.Employment{ID: "e3", UserID: "carol", StoreID: "s1", Role: domain.RoleCashier, IsActive: false})
	c := &clock{t: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	s.PutShift(domain.EmployeeShift{ID: "sh1", StoreID: "s1", EmployeeID: "alice", Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		StartTime: "08:00", EndTime: "16:00", Status: domain.ShiftActive})
	g := NewGuard(s, s, zerolog.Nop(), WithClock(c.Now))
	return g, s, c
}

func validate(g *Guard, pin string) (*PinResult, error) {
	return g.ValidatePin(context.Background(), ValidatePinRequest{StoreID: "s1", EmploymentID: "e1", Pin: pin})
}

func TestThreeWrongPinsBlockUntilCooldown(t *testing.T) {
	g, s, c := newTestGuard(t, true)

	res, err := validate(g, "0001")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindRetry, res.State)
	assert.Equal(t, 2, res.AttemptsRemaining)
	assert.Equal(t, "incorrect PIN, 2 attempts remaining", res.Message)

	res, err = validate(g, "0002")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AttemptsRemaining)
	assert.Equal(t, "incorrect PIN, 1 attempt remaining", res.Message)

	res, err = validate(g, "0003")
	require.NoError(t, err)
	assert.Equal(t, KindBlocked, res.State)
	assert.Equal(t, 0, res.AttemptsRemaining)
	assert.Equal(t, "PIN blocked for 5 minutes", res.Message)

	_, err = validate(g, "2580")
	var locked *domain.PinLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 5*time.Minute, locked.RetryAfter)

	c.Advance(4*time.Minute + 59*time.Second)
	_, err = validate(g, "2580")
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, time.Second, locked.RetryAfter)

	c.Advance(time.Second)
	res, err = validate(g, "2580")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, KindUnlocked, res.State)
	require.NotNil(t, res.Employment)
	assert.Equal(t, "alice", res.Employment.UserID)

	failed, err := s.ListAuditLogs(context.Background(), "s1", domain.AuditPinFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 5)
	success, err := s.ListAuditLogs(context.Background(), "s1", domain.AuditPinSuccess, 0)
	require.NoError(t, err)
	assert.Len(t, success, 1)
}

func TestCorrectPinResetsCounter(t *testing.T) {
	g, _, _ := newTestGuard(t, true)

	for range 2 {
		res, err := validate(g, "9999")
		require.NoError(t, err)
		require.False(t, res.Success)
	}
	res, err := validate(g, "2580")
	require.NoError(t, err)
	require.True(t, res.Success)

	st, err := g.State(context.Background(), "s1", "e1")
	require.NoError(t, err)
	assert.Equal(t, KindLocked, st.Kind)
	assert.Equal(t, 3, st.AttemptsRemaining)

	for range 2 {
		res, err = validate(g, "9999")
		require.NoError(t, err)
		assert.NotEqual(t, KindBlocked, res.State)
	}
}

func TestConcurrentWrongPinsNeverExceedLimit(t *testing.T) {
	g, _, _ := newTestGuard(t, true)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		blocked int
		locked  int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := validate(g, "9999")
			mu.Lock()
			defer mu.Unlock()
			var pl *domain.PinLockedError
			switch {
			case errors.As(err, &pl):
				locked++
			case err == nil && res.State == KindBlocked:
				blocked++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, blocked)
	assert.Equal(t, 7, locked)
}

func TestPinNotRequiredUnlocksDirectly(t *testing.T) {
	g, _, _ := newTestGuard(t, false)

	res, err := validate(g, "0000")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, KindUnlocked, res.State)

	sel, err := g.SelectOperator(context.Background(), SelectOperatorRequest{StoreID: "s1", EmploymentID: "e1"})
	require.NoError(t, err)
	assert.True(t, sel.Selected)
	assert.Equal(t, "alice", sel.OperatorID)
	assert.Equal(t, KindUnlocked, sel.State)
	require.NotNil(t, sel.Shift)
	assert.Equal(t, "sh1", sel.Shift.ID)
}

func TestSelectOperatorWithPin(t *testing.T) {
	g, _, _ := newTestGuard(t, true)
	ctx := context.Background()

	_, err := g.SelectOperator(ctx, SelectOperatorRequest{StoreID: "s1", EmploymentID: "e2"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	sel, err := g.SelectOperator(ctx, SelectOperatorRequest{StoreID: "s1", EmploymentID: "e2", Pin: "1111"})
	require.NoError(t, err)
	assert.False(t, sel.Selected)
	assert.Equal(t, KindRetry, sel.State)

	sel, err = g.SelectOperator(ctx, SelectOperatorRequest{StoreID: "s1", EmploymentID: "e2", Pin: "1397"})
	require.NoError(t, err)
	assert.True(t, sel.Selected)
	assert.Equal(t, "bob", sel.OperatorID)
	assert.Nil(t, sel.Shift)
}

func TestInactiveEmploymentIsForbidden(t *testing.T) {
	g, s, _ := newTestGuard(t, true)

	_, err := g.ValidatePin(context.Background(), ValidatePinRequest{StoreID: "s1", EmploymentID: "e3", Pin: "2580"})
	var forbidden *domain.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	denied, err := s.ListAuditLogs(context.Background(), "s1", domain.AuditAccessDenied, 0)
	require.NoError(t, err)
	assert.Len(t, denied, 1)
}

func TestValidatePinRejectsMalformedPin(t *testing.T) {
	g, _, _ := newTestGuard(t, true)
	for _, pin := range []string{"", "123", "12345", "12a4", "-739", "+739", "7.39", "1e39"} {
		_, err := validate(g, pin)
		var verr *domain.ValidationError
		assert.ErrorAs(t, err, &verr, pin)
	}
}

func TestSetPinRejectsSignedAndDecimalPins(t *testing.T) {
	g, _, _ := newTestGuard(t, true)
	ctx := context.Background()
	for _, pin := range []string{"-739", "+739", "7.39"} {
		err := g.SetPin(ctx, SetPinRequest{StoreID: "s1", EmploymentID: "e1", ActorUserID: "bob", Pin: pin, ConfirmPin: pin})
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, pin)
		assert.Equal(t, "pin", verr.Field, pin)
	}

	res, err := validate(g, "2580")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResolveActiveOperator(t *testing.T) {
	g, s, _ := newTestGuard(t, true)
	ctx := context.Background()
	client := Client{IPAddress: "10.0.0.7", UserAgent: "till/1.0"}

	id, err := g.ResolveActiveOperator(ctx, "", "owner", "s1", client)
	require.NoError(t, err)
	assert.Equal(t, "owner", id)

	id, err = g.ResolveActiveOperator(ctx, "owner", "owner", "s1", client)
	require.NoError(t, err)
	assert.Equal(t, "owner", id)

	id, err = g.ResolveActiveOperator(ctx, "alice", "owner", "s1", client)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	for _, op := range []string{"carol", "mallory"} {
		_, err = g.ResolveActiveOperator(ctx, op, "owner", "s1", client)
		var forbidden *domain.ForbiddenError
		require.ErrorAs(t, err, &forbidden, op)
	}

	denied, err := s.ListAuditLogs(ctx, "s1", domain.AuditAccessDenied, 0)
	require.NoError(t, err)
	require.Len(t, denied, 2)
	assert.Equal(t, "10.0.0.7", denied[0].IPAddress)
	assert.Equal(t, "till/1.0", denied[0].UserAgent)
}

type failingAudit struct {
	*memory.Store
}

func (failingAudit) CreateAuditLog(context.Context, domain.AuditLog) error {
	return errors.New("audit table unavailable")
}

func TestAuditFailureDoesNotBlockValidation(t *testing.T) {
	_, s, c := newTestGuard(t, true)
	g := NewGuard(failingAudit{s}, s, zerolog.Nop(), WithClock(c.Now))

	res, err := validate(g, "2580")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSetPin(t *testing.T) {
	g, s, _ := newTestGuard(t, true)
	ctx := context.Background()
	req := SetPinRequest{StoreID: "s1", EmploymentID: "e1", ActorUserID: "bob", Pin: "4826", ConfirmPin: "4826"}

	for _, weak := range []string{"1234", "7777", "3456", "8765", "2468"} {
		r := req
		r.Pin, r.ConfirmPin = weak, weak
		var verr *domain.ValidationError
		require.ErrorAs(t, g.SetPin(ctx, r), &verr, weak)
		assert.Equal(t, "pin", verr.Field)
	}

	mismatch := req
	mismatch.ConfirmPin = "4827"
	var verr *domain.ValidationError
	require.ErrorAs(t, g.SetPin(ctx, mismatch), &verr)

	outsider := req
	outsider.ActorUserID = "carol"
	var forbidden *domain.ForbiddenError
	require.ErrorAs(t, g.SetPin(ctx, outsider), &forbidden)

	// Lock the employee out, then a manager resets the PIN.
	for range 3 {
		_, err := validate(g, "9999")
		require.NoError(t, err)
	}
	require.NoError(t, g.SetPin(ctx, req))

	res, err := validate(g, "4826")
	require.NoError(t, err)
	assert.True(t, res.Success)

	emp, err := s.FindEmployment(ctx, "s1", "e1")
	require.NoError(t, err)
	assert.NotContains(t, emp.PinHash, "4826")

	changed, err := s.ListAuditLogs(ctx, "s1", domain.AuditPinChanged, 0)
	require.NoError(t, err)
	assert.Len(t, changed, 1)
}

func TestPolicyTransitions(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := domain.PinAttempts{EmploymentID: "e"}

	assert.Equal(t, KindLocked, p.Current(a, now).Kind)
	assert.Equal(t, KindRetry, p.fail(&a, now).Kind)
	assert.Equal(t, KindRetry, p.fail(&a, now).Kind)
	st := p.fail(&a, now)
	assert.Equal(t, KindBlocked, st.Kind)
	assert.Equal(t, now.Add(5*time.Minute), st.BlockedUntil)

	later := now.Add(5 * time.Minute)
	assert.Equal(t, KindLocked, p.Current(a, later).Kind)
	assert.True(t, p.expire(&a, later))
	assert.Zero(t, a.Failures)
	assert.False(t, p.expire(&a, later))
}
