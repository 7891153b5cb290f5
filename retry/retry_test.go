package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, Backoff: func(int) time.Duration { return time.Millisecond }}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBusy
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPolicy_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errBusy) },
	}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})

	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, calls)
}

func TestPolicy_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 2}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errBusy
	})

	require.ErrorIs(t, err, errBusy)
	require.Equal(t, 2, calls)
}

func TestExponential_Caps(t *testing.T) {
	b := Exponential(100*time.Millisecond, time.Second)
	require.Equal(t, 100*time.Millisecond, b(1))
	require.Equal(t, 400*time.Millisecond, b(3))
	require.Equal(t, time.Second, b(8))
}
