// Package telemetry tests verify opt-in recording.
package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func resetGlobal(t *testing.T) {
	t.Helper()
	Disable()
	t.Cleanup(Disable)
}

// TestDisabledByDefault verifies nothing is recorded without opt-in.
func TestDisabledByDefault(t *testing.T) {
	resetGlobal(t)

	RecordCount("sync.write", 1, nil)
	RecordTiming("sync.write", time.Second, nil)

	s := GetSnapshot()
	assert.False(t, s.Enabled)
	assert.Empty(t, s.Counters)
	assert.Empty(t, s.Timings)
}

// TestRecordCount verifies counters accumulate per tag set.
func TestRecordCount(t *testing.T) {
	resetGlobal(t)
	Enable()

	RecordCount("sync.write", 1, map[string]string{"result": "ok", "entity": "chat"})
	RecordCount("sync.write", 2, map[string]string{"entity": "chat", "result": "ok"})
	RecordCount("sync.write", 1, map[string]string{"result": "error"})
	RecordCount("queue.enqueued", 1, nil)

	s := GetSnapshot()
	assert.True(t, s.Enabled)
	assert.Equal(t, int64(3), s.Counters["sync.write{entity=chat,result=ok}"])
	assert.Equal(t, int64(1), s.Counters["sync.write{result=error}"])
	assert.Equal(t, int64(1), s.Counters["queue.enqueued"])
}

// TestRecordTiming verifies min, max and mean.
func TestRecordTiming(t *testing.T) {
	resetGlobal(t)
	Enable()

	RecordTiming("sync.latency", 30*time.Millisecond, nil)
	RecordTiming("sync.latency", 10*time.Millisecond, nil)
	RecordTiming("sync.latency", 20*time.Millisecond, nil)

	tm := GetSnapshot().Timings["sync.latency"]
	assert.Equal(t, int64(3), tm.Count)
	assert.Equal(t, 10*time.Millisecond, tm.Min)
	assert.Equal(t, 30*time.Millisecond, tm.Max)
	assert.Equal(t, 20*time.Millisecond, tm.Mean())
	assert.Equal(t, time.Duration(0), Timing{}.Mean())
}

// TestSnapshotIsACopy verifies later writes do not leak into a snapshot.
func TestSnapshotIsACopy(t *testing.T) {
	resetGlobal(t)
	Enable()

	RecordCount("a", 1, nil)
	s := GetSnapshot()
	RecordCount("a", 1, nil)

	assert.Equal(t, int64(1), s.Counters["a"])
	assert.Equal(t, int64(2), GetSnapshot().Counters["a"])
}

// TestDisableDropsData verifies opting out forgets recorded values.
func TestDisableDropsData(t *testing.T) {
	resetGlobal(t)
	Enable()
	RecordCount("a", 5, nil)

	Reset()
	assert.True(t, IsEnabled())
	assert.Empty(t, GetSnapshot().Counters)

	RecordCount("a", 5, nil)
	Disable()
	assert.False(t, IsEnabled())
	assert.Empty(t, GetSnapshot().Counters)
}
