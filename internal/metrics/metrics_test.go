package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskchain/internal/events"
)

func TestCollector_Observe(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	c.Observe(events.TaskStartedEvent{ID: "a", Adapter: "game"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksRunning))

	c.Observe(events.TaskFailedEvent{ID: "a", Adapter: "game", Kind: "timeout", Err: errors.New("slow"), Duration: time.Second})
	c.Observe(events.TaskRetryingEvent{ID: "a", NextAttempt: 2})
	c.Observe(events.TaskStartedEvent{ID: "a", Adapter: "game"})
	c.Observe(events.TaskCompletedEvent{ID: "a", Adapter: "game", Duration: time.Second})
	c.Observe(events.TaskSkippedEvent{ID: "b", Reason: "disabled"})
	c.Observe(events.ChainFinishedEvent{Chain: "daily", Outcome: "completed", Duration: 2 * time.Second})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.tasksRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskRuns.WithLabelValues("game", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskRuns.WithLabelValues("game", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskFailures.WithLabelValues("game", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskSkipped.WithLabelValues("disabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chainRuns.WithLabelValues("daily", "completed")))
}

func TestCollector_FanoutWithBus(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.SubscribeAll(1)

	var pub events.Publisher = events.Fanout{bus, c}
	for i := 0; i < 5; i++ {
		pub.Publish(events.TopicTask, events.TaskSkippedEvent{ID: "x", Reason: "cancelled"})
	}

	// The slow bus subscriber drops events; the collector sees all of them
	assert.Len(t, sub, 1)
	assert.Equal(t, uint64(4), bus.Dropped())
	assert.Equal(t, 5.0, testutil.ToFloat64(c.taskSkipped.WithLabelValues("cancelled")))
}

func TestCollector_Handler(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	c.Observe(events.ChainFinishedEvent{Chain: "daily", Outcome: "aborted"})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `taskchain_chain_runs_total{chain="daily",outcome="aborted"} 1`)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	_, err = New(c.Registry())
	assert.Error(t, err)
}
