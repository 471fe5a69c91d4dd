package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	s := storage.NewWithDB(db)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		PollPeriod:  time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryCap:    10 * time.Millisecond,
	}
}

func TestEmitCommitsWithTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A rolled back transaction takes its outbox append with it.
	err := store.Transaction(ctx, func(tx *storage.Store) error {
		if err := Emit(ctx, tx, KindUserRegistration, &UserRegistrationPayload{Username: "ghost"}); err != nil {
			return err
		}
		return errdefs.Permanent("abort")
	})
	require.Error(t, err)

	pending, err := store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.Transaction(ctx, func(tx *storage.Store) error {
		return Emit(ctx, tx, KindUserRegistration, &UserRegistrationPayload{Username: "real"})
	}))
	pending, err = store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDrainDeliversToSubscribers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, testEventsConfig())

	var got []string
	d.Subscribe(KindUserRegistration, func(ctx context.Context, e *types.OutboxEvent) error {
		var payload UserRegistrationPayload
		if err := decodePayload(e, &payload); err != nil {
			return err
		}
		got = append(got, payload.Username)
		return nil
	})

	require.NoError(t, store.Transaction(ctx, func(tx *storage.Store) error {
		return Emit(ctx, tx, KindUserRegistration, &UserRegistrationPayload{Username: "alice"})
	}))
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, []string{"alice"}, got)

	// Delivered events do not come back.
	require.NoError(t, d.Drain(ctx))
	assert.Len(t, got, 1)
}

func TestDrainWithoutHandlerAcknowledges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, testEventsConfig())

	require.NoError(t, store.Transaction(ctx, func(tx *storage.Store) error {
		return Emit(ctx, tx, KindTargetStatus, &TargetStatusPayload{Status: types.StatusActive})
	}))
	require.NoError(t, d.Drain(ctx))

	pending, err := store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailingHandlerRetriesThenDeadLetters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(store, testEventsConfig())

	attempts := 0
	d.Subscribe(KindUserRegistration, func(ctx context.Context, e *types.OutboxEvent) error {
		attempts++
		return errdefs.Transient("smtp down")
	})

	require.NoError(t, store.Transaction(ctx, func(tx *storage.Store) error {
		return Emit(ctx, tx, KindUserRegistration, &UserRegistrationPayload{Username: "bob"})
	}))

	// Backoff delays are in milliseconds here; wait them out per round.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Drain(ctx))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 3, attempts)

	// Dead-lettered: no further delivery.
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, 3, attempts)

	pending, err := store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBackoffBounds(t *testing.T) {
	base := time.Second
	cap := 60 * time.Second
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(attempt, base, cap)
		assert.GreaterOrEqual(t, d, base/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cap+cap/4, "attempt %d", attempt)
	}
}
