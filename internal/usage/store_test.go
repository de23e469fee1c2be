package usage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davawen/keal/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func TestIncrementAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Count("applications", "firefox"))

	s.Increment("applications", "firefox")
	s.Increment("applications", "firefox")
	s.Increment("files", "~/documents")

	// The cache reflects increments immediately.
	assert.Equal(t, 2, s.Count("applications", "firefox"))
	assert.Equal(t, 1, s.Count("files", "~/documents"))

	// Close flushes; a fresh open reloads from disk.
	require.NoError(t, s.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 2, s2.Count("applications", "firefox"))
	assert.Equal(t, 1, s2.Count("files", "~/documents"))
	assert.Equal(t, 0, s2.Count("applications", "chromium"))
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	s.Increment("applications", "firefox")
	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, 0, s.Count("applications", "firefox"))

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM usage_counts;").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestCorruptedDatabaseRecreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a database"), 0644))

	s, err := Open(context.Background(), path)
	require.NoError(t, err, "corrupted database should be recreated, not fatal")
	defer s.Close()

	assert.Equal(t, 0, s.Count("applications", "firefox"))
	s.Increment("applications", "firefox")
	assert.Equal(t, 1, s.Count("applications", "firefox"))
}

func TestConcurrentIncrements(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 25; j++ {
				s.Increment("applications", "firefox")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	assert.Equal(t, 100, s.Count("applications", "firefox"))
	require.NoError(t, s.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 100, s2.Count("applications", "firefox"))
}
