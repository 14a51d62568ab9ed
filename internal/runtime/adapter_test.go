package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/domain"
)

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func invocation(t *testing.T) Invocation {
	return Invocation{TaskID: "t1", AttemptID: "a1", Title: "do it", Worktree: t.TempDir()}
}

func TestProcessSuccess(t *testing.T) {
	bin := script(t, `input=$(cat)
case "$input" in *'"task_id":"t1"'*) ;; *) exit 3;; esac
echo "working" >&2
echo "done" > "$FLOWLINE_WORKTREE/out.txt"
printf '{"success":true,"output":"all good","events":[{"type":"command","name":"make"}]}'
`)
	inv := invocation(t)
	res, err := NewProcess(domain.Runtime{Binary: bin}, nil).Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "all good", res.Output)
	assert.Equal(t, "exit 0", res.Exit)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "make", res.Events[0].Name)
	_, err = os.Stat(filepath.Join(inv.Worktree, "out.txt"))
	assert.NoError(t, err, "adapter runs inside the worktree")
}

func TestProcessErrorCategories(t *testing.T) {
	cases := []struct {
		name     string
		binary   string
		timeout  time.Duration
		code     domain.Code
		category domain.Category
	}{
		{"missing", "/definitely/not/here", 0, domain.CodeAdapterMissing, domain.CategorySystem},
		{"unconfigured", "", 0, domain.CodeAdapterMissing, domain.CategorySystem},
		{"nonzero", script(t, "cat >/dev/null\necho failing >&2\nexit 7\n"), 0, domain.CodeAdapterNonZeroExit, domain.CategorySystem},
		{"malformed", script(t, "cat >/dev/null\necho not-json\n"), 0, domain.CodeAdapterMalformedOutput, domain.CategorySystem},
		{"timeout", script(t, "cat >/dev/null\nsleep 5\n"), 200 * time.Millisecond, domain.CodeAdapterTimeout, domain.CategoryTimeout},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewProcess(domain.Runtime{Binary: c.binary}, nil)
			p.Grace = 100 * time.Millisecond
			inv := invocation(t)
			inv.Timeout = c.timeout
			_, err := p.Invoke(context.Background(), inv)
			require.Error(t, err)
			assert.Equal(t, c.code, domain.CodeOf(err))
			assert.Equal(t, c.category, domain.CategoryOf(err))
		})
	}
}

func TestProcessCancellation(t *testing.T) {
	bin := script(t, "cat >/dev/null\nsleep 5\n")
	p := NewProcess(domain.Runtime{Binary: bin}, nil)
	p.Grace = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := p.Invoke(ctx, invocation(t))
	assert.Equal(t, domain.CodeAdapterCanceled, domain.CodeOf(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}
