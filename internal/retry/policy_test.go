package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	ferrors "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name string
		in   config.RetryConfig
		want Policy
	}{
		{
			name: "zero value disables retries",
			want: Policy{Mode: config.RetryBackoffLinear, Initial: time.Second, Max: 30 * time.Second},
		},
		{
			name: "overrides",
			in:   config.RetryConfig{Backoff: "Exponential", InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 4},
			want: Policy{Mode: config.RetryBackoffExponential, Initial: 10 * time.Millisecond, Max: time.Second, MaxRetries: 4},
		},
		{
			name: "initial clamped to max",
			in:   config.RetryConfig{Backoff: config.RetryBackoffFixed, InitialDelay: 5 * time.Second, MaxDelay: 2 * time.Second, MaxRetries: 5},
			want: Policy{Mode: config.RetryBackoffFixed, Initial: 2 * time.Second, Max: 2 * time.Second, MaxRetries: 5},
		},
		{
			name: "unknown mode",
			in:   config.RetryConfig{Backoff: "weird", MaxRetries: 1},
			want: Policy{Mode: config.RetryBackoffLinear, Initial: time.Second, Max: 30 * time.Second, MaxRetries: 1},
		},
		{
			name: "negative retries ignored",
			in:   config.RetryConfig{MaxRetries: -1},
			want: DefaultPolicy(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromConfig(tt.in); got != tt.want {
				t.Errorf("FromConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	ms := time.Millisecond
	fixed := Policy{Mode: config.RetryBackoffFixed, Initial: 100 * ms, Max: 500 * ms}
	linear := Policy{Mode: config.RetryBackoffLinear, Initial: 100 * ms, Max: 250 * ms}
	exp := Policy{Mode: config.RetryBackoffExponential, Initial: 50 * ms, Max: 160 * ms}

	tests := []struct {
		name   string
		policy Policy
		n      int
		want   time.Duration
	}{
		{"fixed", fixed, 3, 100 * ms},
		{"linear first", linear, 1, 100 * ms},
		{"linear second", linear, 2, 200 * ms},
		{"linear capped", linear, 3, 250 * ms},
		{"exponential second", exp, 2, 100 * ms},
		{"exponential capped", exp, 3, 160 * ms},
		{"exponential overflow", exp, 80, 160 * ms},
		{"zero", linear, 0, 0},
		{"negative", linear, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.n); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestDo(t *testing.T) {
	p := Policy{Mode: config.RetryBackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}
	transient := ferrors.NetworkError("publish failed").Build()

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		var retries []int
		err := p.Do(t.Context(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		}, func(attempt int, _ error) { retries = append(retries, attempt) })
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, []int{1, 2}, retries)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := p.Do(t.Context(), func(context.Context) error {
			calls++
			return transient
		}, nil)
		require.ErrorIs(t, err, transient)
		require.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		permanent := ferrors.ValidationError("bad subject").Build()
		err := p.Do(t.Context(), func(context.Context) error {
			calls++
			return permanent
		}, nil)
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		slow := Policy{Mode: config.RetryBackoffFixed, Initial: time.Hour, Max: time.Hour, MaxRetries: 5}
		err := slow.Do(ctx, func(context.Context) error {
			cancel()
			return stderrors.New("boom")
		}, nil)
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, ferrors.HasCategory(err, ferrors.CategoryRuntime))
	})
}
