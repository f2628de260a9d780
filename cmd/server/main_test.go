package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/config"
	"posledger/backend/internal/store/memory"
)

func TestPolicyFromConfig(t *testing.T) {
	p := policyFromConfig(config.Config{PinMaxAttempts: 5, PinCooldownSeconds: 120})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 2*time.Minute, p.Cooldown)
}

func TestOpenBackendsFallsBackToMemory(t *testing.T) {
	b, err := openBackends(context.Background(), config.Config{}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, b.seeded)
	assert.Empty(t, b.closers)
	_, ok := b.store.(*memory.Store)
	assert.True(t, ok)
	assert.Same(t, b.store, b.attempts)

	settings, err := b.store.GetStoreSettings(context.Background(), memory.SeedStoreID)
	require.NoError(t, err)
	assert.True(t, settings.RequireEmployeePin)
}

func TestOpenBackendsIgnoresUnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := openBackends(ctx, config.Config{RedisAddr: "127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Same(t, b.store, b.attempts)
}

func TestValidateRejectsWeakConfig(t *testing.T) {
	assert.Error(t, config.Config{AuthSecret: "short", PinMaxAttempts: 3, PinCooldownSeconds: 300}.Validate())
	assert.NoError(t, config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", PinMaxAttempts: 3, PinCooldownSeconds: 300}.Validate())
}
