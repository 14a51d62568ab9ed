package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		patterns []string
		file     string
		want     bool
	}{
		{nil, "anything/at/all.go", true},
		{[]string{"src/**"}, "src/a/b.go", true},
		{[]string{"src/**"}, "docs/readme.md", false},
		{[]string{"src/"}, "src/a.go", true},
		{[]string{"src"}, "src/nested/a.go", true},
		{[]string{"*.md"}, "README.md", true},
		{[]string{"*.md"}, "docs/README.md", false},
		{[]string{"**/*.md"}, "docs/README.md", true},
		{[]string{"./internal/**/*.go"}, "internal/x/y.go", true},
		{[]string{"internal/**/*.go"}, "internal/x/y.txt", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Allowed(c.patterns, c.file), "%v %s", c.patterns, c.file)
	}
}

func TestViolations(t *testing.T) {
	got := Violations([]string{"src/**"}, []string{"src/a.go", "z.txt", "docs/b.md"})
	assert.Equal(t, []string{"docs/b.md", "z.txt"}, got)
}

func TestValid(t *testing.T) {
	_, ok := Valid([]string{"src/**", "*.go"})
	assert.True(t, ok)
	bad, ok := Valid([]string{"src/[a"})
	assert.False(t, ok)
	assert.Equal(t, "src/[a", bad)
}
