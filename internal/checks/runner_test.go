package checks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/domain"
)

func TestRunRecordsEvidencePerCheck(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))
	list := []domain.Check{
		{Name: "marker", Command: "test -f marker && echo present"},
		{Name: "fails", Command: "echo nope; exit 4"},
		{Name: "slow", Command: "sleep 5", TimeoutSeconds: 1},
	}
	results, err := Runner{}.Run(context.Background(), dir, list)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Passed)
	assert.Contains(t, results[0].Output, "present")

	assert.False(t, results[1].Passed)
	assert.Equal(t, 4, results[1].ExitCode)
	assert.Contains(t, results[1].Output, "nope")

	assert.False(t, results[2].Passed)
	assert.True(t, results[2].TimedOut)

	assert.False(t, Satisfied(list, results))
	assert.True(t, Satisfied(list[:1], results))
	assert.True(t, Satisfied(nil, nil))
}

func TestRunSucceedsWhenEveryCheckPasses(t *testing.T) {
	results, err := Runner{Parallelism: 2}.Run(context.Background(), t.TempDir(), []domain.Check{
		{Name: "a", Command: "true"},
		{Name: "b", Command: "exit 0"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.True(t, results[1].Passed)
}

func TestRunReportsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Runner{}.Run(ctx, t.TempDir(), []domain.Check{{Name: "a", Command: "true"}})
	assert.ErrorIs(t, err, context.Canceled)
}
