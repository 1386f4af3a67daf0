package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/rfid-cart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(tries uint) Policy {
	return Policy{MaxTries: tries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", Transient(errors.New("connection reset"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		attempts++
		return 0, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsTries(t *testing.T) {
	attempts := 0
	var notified int
	p := fastPolicy(3)
	p.Notify = func(error, time.Duration) { notified++ }

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		attempts++
		return 0, Transient(errors.New("503"))
	})

	assert.ErrorIs(t, err, domain.ErrTransientTransport)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, notified)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{MaxTries: 5, InitialInterval: time.Second, MaxInterval: time.Second}
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, Transient(errors.New("timeout"))
	})

	assert.Error(t, err)
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	base := errors.New("reset")
	wrapped := Transient(base)
	assert.ErrorIs(t, wrapped, domain.ErrTransientTransport)
	assert.ErrorIs(t, wrapped, base)
	assert.Same(t, wrapped, Transient(wrapped))
}
