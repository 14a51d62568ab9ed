package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"

	"flowline/internal/domain"
)

func TestExitCodeFollowsCategory(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NotFound(domain.AggTask, "t1"), 2},
		{domain.InvalidTransition(domain.AggFlow, "f1", domain.FlowCompleted, domain.FlowRunning), 3},
		{domain.TimeoutErr(domain.CodeCheckTimeout, "slow"), 5},
		{domain.SystemErr(domain.CodeVCSFailure, "git"), 4},
		{errors.New("boom"), 4},
		{fmt.Errorf("wrapped: %w", domain.ConflictErr(domain.CodeConflict, "stale")), 3},
	}
	for _, tc := range cases {
		if got := exitCode(envelope(tc.err).Error.Category); got != tc.want {
			t.Fatalf("%v: exit %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestEnvelopeCarriesStateAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := domain.InvalidTransition(domain.AggTask, "t1", domain.TaskCompleted, domain.TaskStarted)
	env := envelope(err)
	if env.Error.Code != domain.CodeInvalidTransition || env.Error.AggregateID != "t1" {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}
	if env.Error.Expected != string(domain.TaskStarted) || env.Error.Actual != string(domain.TaskCompleted) {
		t.Fatalf("expected/actual not carried: %+v", env.Error)
	}

	env = envelope(domain.SystemErr(domain.CodeStorage, "append failed").Wrap(cause))
	if env.Error.Details["error"] != "disk full" {
		t.Fatalf("cause missing from details: %+v", env.Error.Details)
	}
}

func TestParseChecksAndEdges(t *testing.T) {
	checks, err := parseChecks([]string{"test=go test ./...", " lint = golangci-lint run"})
	if err != nil {
		t.Fatalf("parse checks: %v", err)
	}
	if len(checks) != 2 || checks[1].Name != "lint" || checks[1].Command != "golangci-lint run" {
		t.Fatalf("unexpected checks %+v", checks)
	}
	if _, err := parseChecks([]string{"no-command="}); !domain.IsCode(err, domain.CodeInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}

	edges, err := parseEdges([]string{"b:a"})
	if err != nil {
		t.Fatalf("parse edges: %v", err)
	}
	if edges[0] != (domain.Edge{Task: "b", Prerequisite: "a"}) {
		t.Fatalf("unexpected edge %+v", edges[0])
	}
	if _, err := parseEdges([]string{"b"}); !domain.IsCode(err, domain.CodeInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestNounCommandsExposeTheirVerbs(t *testing.T) {
	cases := []struct {
		noun string
		args []string
	}{
		{"task", []string{"abort", "t1"}},
		{"task", []string{"retry", "t1"}},
		{"verify", []string{"run", "t1"}},
		{"checkpoint", []string{"override", "t1"}},
		{"merge", []string{"execute", "m1"}},
		{"worktree", []string{"cleanup", "a1"}},
	}
	nouns := map[string]func() *cobra.Command{
		"task":       taskCmd,
		"verify":     verifyCmd,
		"checkpoint": checkpointCmd,
		"merge":      mergeCmd,
		"worktree":   worktreeCmd,
	}
	for _, tc := range cases {
		cmd, _, err := nouns[tc.noun]().Find(tc.args)
		if err != nil {
			t.Fatalf("%s %v: %v", tc.noun, tc.args, err)
		}
		if cmd.Name() != tc.args[0] {
			t.Fatalf("%s %v resolved to %q", tc.noun, tc.args, cmd.Name())
		}
	}
}
