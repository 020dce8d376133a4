package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStateIsTerminal(t *testing.T) {
	terminal := map[TaskState]bool{
		TaskPending:   false,
		TaskReady:     false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
		TaskSkipped:   true,
	}
	for state, want := range terminal {
		assert.Equal(t, want, state.IsTerminal(), state)
	}
}

func TestChainPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  ChainPolicy
		wantErr bool
	}{
		{"continue", ContinuePolicy(), false},
		{"stop", StopPolicy(), false},
		{"retry", RetryPolicy(3, time.Second), false},
		{"retry zero attempts", RetryPolicy(0, time.Second), true},
		{"retry negative backoff", RetryPolicy(2, -time.Second), true},
		{"unknown mode", ChainPolicy{Mode: "explode"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChainPolicyDelay(t *testing.T) {
	constant := RetryPolicy(3, 2*time.Second)
	assert.Equal(t, 2*time.Second, constant.Delay(1))
	assert.Equal(t, 2*time.Second, constant.Delay(2))
	assert.Equal(t, time.Duration(0), constant.Delay(0))

	exp := ChainPolicy{Mode: PolicyRetry, MaxAttempts: 5, Backoff: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 1*time.Second, exp.Delay(1))
	assert.Equal(t, 2*time.Second, exp.Delay(2))
	assert.Equal(t, 4*time.Second, exp.Delay(3))

	capped := ChainPolicy{Mode: PolicyRetry, MaxAttempts: 10, Backoff: time.Second, BackoffMultiplier: 10, MaxBackoff: 30 * time.Second}
	assert.Equal(t, 30*time.Second, capped.Delay(4))

	assert.Equal(t, time.Duration(0), ContinuePolicy().Delay(1))
}

func TestDescriptorDisplayName(t *testing.T) {
	assert.Equal(t, "Login", TaskDescriptor{ID: "a", Name: "Login"}.DisplayName())
	assert.Equal(t, "a", TaskDescriptor{ID: "a"}.DisplayName())
}
