package streak

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/inspector/internal/checkpoint"
)

func entry(i int) checkpoint.Entry {
	return checkpoint.Entry{FilePath: fmt.Sprintf("/in/%02d.png", i), ProcessID: fmt.Sprintf("p%d", i)}
}

func TestTracker_AlertsAtThresholdAndResets(t *testing.T) {
	tr := NewTracker(3)

	_, fired := tr.Observe(entry(1), true)
	assert.False(t, fired)
	_, fired = tr.Observe(entry(2), true)
	assert.False(t, fired)
	assert.Equal(t, 2, tr.Count())

	alert, fired := tr.Observe(entry(3), true)
	require.True(t, fired)
	assert.Equal(t, 3, alert.Count)
	assert.Equal(t, []checkpoint.Entry{entry(1), entry(2), entry(3)}, alert.Images)
	assert.Equal(t, 0, tr.Count())

	_, fired = tr.Observe(entry(4), true)
	assert.False(t, fired)
	assert.Equal(t, 1, tr.Count())
}

func TestTracker_NormalResultBreaksStreak(t *testing.T) {
	tr := NewTracker(2)

	tr.Observe(entry(1), true)
	tr.Observe(entry(2), false)
	assert.Equal(t, 0, tr.Count())

	_, fired := tr.Observe(entry(3), true)
	assert.False(t, fired)

	alert, fired := tr.Observe(entry(4), true)
	require.True(t, fired)
	assert.Equal(t, []checkpoint.Entry{entry(3), entry(4)}, alert.Images)
}

func TestTracker_DefaultThreshold(t *testing.T) {
	tr := NewTracker(0)
	assert.Equal(t, DefaultThreshold, tr.Threshold())

	for i := 1; i < DefaultThreshold; i++ {
		_, fired := tr.Observe(entry(i), true)
		require.False(t, fired, "fired early at %d", i)
	}
	_, fired := tr.Observe(entry(DefaultThreshold), true)
	assert.True(t, fired)
}

func TestTracker_AlertImagesNotAliased(t *testing.T) {
	tr := NewTracker(1)
	first, _ := tr.Observe(entry(1), true)
	second, _ := tr.Observe(entry(2), true)

	assert.Equal(t, "/in/01.png", first.Images[0].FilePath)
	assert.Equal(t, "/in/02.png", second.Images[0].FilePath)
}

func TestRecorder_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "consecutive_anomalies")
	alert := &Alert{
		Count:    2,
		Images:   []checkpoint.Entry{entry(1), entry(2)},
		RaisedAt: time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC),
	}

	path, err := Recorder{Dir: dir}.Save(alert)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20250506_070809.json"), path)
	assert.Equal(t, path, alert.RecordPath)

	// Records share the checkpoint layout.
	cp, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Equal(t, alert.Images, cp.Entries())
}

func TestRecorder_SaveSameSecondKeepsBoth(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	rec := Recorder{Dir: dir}

	first := &Alert{Count: 1, Images: []checkpoint.Entry{entry(1)}, RaisedAt: at}
	second := &Alert{Count: 1, Images: []checkpoint.Entry{entry(2)}, RaisedAt: at}
	third := &Alert{Count: 1, Images: []checkpoint.Entry{entry(3)}, RaisedAt: at}

	p1, err := rec.Save(first)
	require.NoError(t, err)
	p2, err := rec.Save(second)
	require.NoError(t, err)
	p3, err := rec.Save(third)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "20250506_070809.json"), p1)
	assert.Equal(t, filepath.Join(dir, "20250506_070809_1.json"), p2)
	assert.Equal(t, filepath.Join(dir, "20250506_070809_2.json"), p3)

	for _, a := range []*Alert{first, second, third} {
		cp, err := checkpoint.Load(a.RecordPath)
		require.NoError(t, err)
		assert.Equal(t, a.Images, cp.Entries())
	}
}
