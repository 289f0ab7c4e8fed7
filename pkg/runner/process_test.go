package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushProgressDropsOldest(t *testing.T) {
	p := &Process{progress: make(chan Update, 2)}
	p.pushProgress(Update{Message: "a", Completion: 0.1})
	p.pushProgress(Update{Message: "b", Completion: 0.2})
	p.pushProgress(Update{Message: "c", Completion: 0.3})

	first := <-p.progress
	second := <-p.progress
	assert.Equal(t, "b", first.Message)
	assert.Equal(t, "c", second.Message)

	select {
	case <-p.progress:
		t.Fatal("expected channel to be drained")
	default:
	}
}

func TestOutcomeBoundedWait(t *testing.T) {
	p := &Process{done: make(chan struct{})}

	start := time.Now()
	out, ok := p.Outcome(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, out)
	assert.Less(t, time.Since(start), time.Second)

	p.mu.Lock()
	p.outcome = &Outcome{OK: true}
	p.mu.Unlock()
	close(p.done)

	out, ok = p.Outcome(50 * time.Millisecond)
	require.True(t, ok)
	assert.True(t, out.OK)
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	chunk := strings.Repeat("x", 40*1024)
	n, err := b.Write([]byte(chunk))
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n)

	n, err = b.Write([]byte(chunk))
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n) // writer still sees full writes
	assert.Len(t, b.String(), maxStderrBytes)
}

func TestSweepScratchRemovesOnlyStaleDirs(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, scratchPrefix+"stale")
	fresh := filepath.Join(root, scratchPrefix+"fresh")
	other := filepath.Join(root, "unrelated")
	for _, dir := range []string{stale, fresh, other} {
		require.NoError(t, os.Mkdir(dir, 0o755))
	}
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, SweepScratch(root))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(other)
	assert.NoError(t, err)
}
