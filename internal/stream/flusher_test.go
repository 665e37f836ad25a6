package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDoesNotRenderUntilFlush(t *testing.T) {
	f := NewFlusher(time.Hour, nil) // tick never fires during the test
	f.Start()
	defer f.Stop()

	f.Write("m1", "partial content")

	_, visible := f.Visible("m1")
	assert.False(t, visible)
}

func TestThrottleBoundsRenderRate(t *testing.T) {
	const interval = 20 * time.Millisecond
	const duration = 200 * time.Millisecond

	var mu sync.Mutex
	var observed []string
	f := NewFlusher(interval, func(visible map[string]string) {
		mu.Lock()
		observed = append(observed, visible["m1"])
		mu.Unlock()
	})
	f.Start()

	deadline := time.Now().Add(duration)
	for i := 0; time.Now().Before(deadline); i++ {
		f.Write("m1", fmt.Sprintf("content up to token %d", i))
		time.Sleep(time.Millisecond)
	}
	f.Stop()

	mu.Lock()
	defer mu.Unlock()
	// Writes landed every ~1ms but renders are capped by the flush
	// cadence, plus the final flush on Stop and scheduling slack.
	maxFlushes := int(duration/interval) + 3
	assert.NotEmpty(t, observed)
	assert.LessOrEqual(t, len(observed), maxFlushes)
}

func TestStopPerformsFinalFlush(t *testing.T) {
	f := NewFlusher(time.Hour, nil)
	f.Start()

	f.Write("m1", "written after the last tick")
	f.Stop()

	content, ok := f.Visible("m1")
	require.True(t, ok)
	assert.Equal(t, "written after the last tick", content)
}

func TestCompleteShortCircuitsToFullContent(t *testing.T) {
	f := NewFlusher(time.Hour, nil)
	f.Start()
	defer f.Stop()

	f.Append("m1", "partial ")
	f.Complete("m1", "the whole final message")

	// No tick has run, but completed content reads in full immediately.
	content, ok := f.Visible("m1")
	require.True(t, ok)
	assert.Equal(t, "the whole final message", content)
}

func TestFinalizeKeepsAccumulatedContent(t *testing.T) {
	f := NewFlusher(time.Hour, nil)
	f.Append("m1", "every ")
	f.Append("m1", "token so far")
	f.Finalize("m1")

	content, ok := f.Visible("m1")
	require.True(t, ok)
	assert.Equal(t, "every token so far", content)
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	snapshots := make(chan map[string]string, 1)
	f := NewFlusher(time.Hour, func(visible map[string]string) {
		select {
		case snapshots <- visible:
		default:
		}
	})
	f.Start()

	f.Write("m1", "first")
	f.Stop()

	snap := <-snapshots
	f.Write("m1", "second")

	assert.Equal(t, "first", snap["m1"])
}

func TestStartStopIdempotent(t *testing.T) {
	f := NewFlusher(10*time.Millisecond, nil)
	f.Start()
	f.Start()
	f.Stop()
	f.Stop()
}

func TestStopFromFlushCallback(t *testing.T) {
	var once sync.Once
	done := make(chan struct{})
	var f *Flusher
	f = NewFlusher(5*time.Millisecond, func(map[string]string) {
		once.Do(func() {
			f.Stop()
			close(done)
		})
	})
	f.Start()
	f.Write("m1", "content")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop called from the flush callback never returned")
	}
}

func TestCompletePinsContentAgainstLateWrites(t *testing.T) {
	f := NewFlusher(time.Hour, nil)
	f.Complete("m1", "the final text")

	// A straggling write for a finished stream changes nothing.
	f.Write("m1", "the fin")
	f.Append("m1", "al te")

	content, ok := f.Visible("m1")
	require.True(t, ok)
	assert.Equal(t, "the final text", content)
}
