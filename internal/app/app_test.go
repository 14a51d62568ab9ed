package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/engine"
)

func TestOpenMigratesAndLoadsConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, config.FileName), []byte("merge:\n  target_branch: trunk\n"), 0o644))

	c, err := Open(context.Background(), Options{Workspace: ws, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "trunk", c.Config.Merge.TargetBranch)
	assert.FileExists(t, filepath.Join(ws, ".flowline", "flowline.db"))

	_, err = c.ResolveProject(context.Background(), "")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound), "got %v", err)

	p, err := c.Engine.CreateProject(context.Background(), engine.ProjectCreateOptions{ID: "p1", Name: "demo", ActorID: "op"})
	require.NoError(t, err)
	id, err := c.ResolveProject(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, p.ID, id)

	_, err = c.ResolveProject(context.Background(), "missing")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, config.FileName), []byte("retry:\n  max_attempts: 0\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: ws, Logger: zap.NewNop()})
	assert.Equal(t, domain.CategoryUser, domain.CategoryOf(err))
}

func TestRetryConflicts(t *testing.T) {
	calls := 0
	err := RetryConflicts(context.Background(), nil, "tick", func() error {
		calls++
		if calls < 3 {
			return domain.ConflictErr(domain.CodeConflict, "stale")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := domain.ConflictErr(domain.CodeNotReady, "not ready")
	err = RetryConflicts(context.Background(), nil, "tick", func() error {
		calls++
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, calls)
}
