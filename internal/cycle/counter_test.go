package cycle

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_StartsAtOne(t *testing.T) {
	c := NewCounter(filepath.Join(t.TempDir(), "cycle.counter"))

	cur, err := c.Current()
	require.NoError(t, err)
	assert.Equal(t, ID(0), cur)

	id, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, ID(1), id)
	assert.Equal(t, "000001", id.String())
}

func TestCounter_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.counter")

	first := NewCounter(path)
	for i := 0; i < 3; i++ {
		_, err := first.Next()
		require.NoError(t, err)
	}

	// A fresh Counter stands in for a restarted process.
	second := NewCounter(path)
	id, err := second.Next()
	require.NoError(t, err)
	assert.Equal(t, ID(4), id)
}

func TestCounter_NeverRepeatsAcrossInterleavedInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.counter")
	a, b := NewCounter(path), NewCounter(path)

	seen := make(map[ID]bool)
	var last ID
	for i := 0; i < 10; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		id, err := c.Next()
		require.NoError(t, err)
		assert.False(t, seen[id], "id %s issued twice", id)
		assert.Greater(t, id, last)
		seen[id] = true
		last = id
	}
}

func TestCounter_ConcurrentNext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.counter")

	const workers, perWorker = 4, 25
	var mu sync.Mutex
	seen := make(map[ID]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCounter(path)
			for i := 0; i < perWorker; i++ {
				id, err := c.Next()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[id], "id %s issued twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	cur, err := NewCounter(path).Current()
	require.NoError(t, err)
	assert.Equal(t, ID(workers*perWorker), cur)
}

func TestCounter_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.counter")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0644))

	_, err := NewCounter(path).Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt counter file")
}

func TestCounter_PaddedFileContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.counter")
	require.NoError(t, os.WriteFile(path, []byte("000041\n"), 0644))

	id, err := NewCounter(path).Next()
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
}

func TestParseID(t *testing.T) {
	id, err := ParseID(" 000123 ")
	require.NoError(t, err)
	assert.Equal(t, ID(123), id)

	_, err = ParseID("")
	assert.Error(t, err)
	_, err = ParseID("-4")
	assert.Error(t, err)
}
