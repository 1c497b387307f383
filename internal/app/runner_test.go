package app

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/version"
)

func isolateDirs(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	return tmp
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("cover tickets list"); got != "tickets list" {
		t.Fatalf("unexpected trim result: %s", got)
	}
	if got := trimRootPath("cover"); got != "cover" {
		t.Fatalf("unexpected trim result for root: %s", got)
	}
}

func TestCommandName(t *testing.T) {
	if got := commandName(action.KindUnstakeWithClaim); got != "unstake-with-claim" {
		t.Fatalf("unexpected command name: %s", got)
	}
}

func TestCommandGating(t *testing.T) {
	cases := []struct {
		path    string
		action  bool
		cache   bool
		tickets bool
		metrics bool
	}{
		{path: "stake", action: true, cache: true, tickets: true, metrics: true},
		{path: "unstake-with-claim", action: true, cache: true, tickets: true, metrics: true},
		{path: "collect", action: true, cache: true, tickets: true, metrics: true},
		{path: "approve", action: true, cache: true, tickets: true, metrics: true},
		{path: "snapshot", cache: true},
		{path: "eligibility", cache: true},
		{path: "tickets list", tickets: true},
		{path: "tickets resume", tickets: true, metrics: true},
		{path: "version"},
		{path: "schema"},
	}
	for _, tc := range cases {
		if got := isActionCommand(tc.path); got != tc.action {
			t.Fatalf("isActionCommand(%q)=%v, want %v", tc.path, got, tc.action)
		}
		if got := shouldOpenCache(tc.path); got != tc.cache {
			t.Fatalf("shouldOpenCache(%q)=%v, want %v", tc.path, got, tc.cache)
		}
		if got := shouldOpenTicketStore(tc.path); got != tc.tickets {
			t.Fatalf("shouldOpenTicketStore(%q)=%v, want %v", tc.path, got, tc.tickets)
		}
		if got := shouldTrackMetrics(tc.path); got != tc.metrics {
			t.Fatalf("shouldTrackMetrics(%q)=%v, want %v", tc.path, got, tc.metrics)
		}
	}
}

func TestRunnerVersion(t *testing.T) {
	isolateDirs(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run([]string{"version"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != version.CLIVersion {
		t.Fatalf("unexpected version output: %q", stdout.String())
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolateDirs(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"tickets", "list", "--enable-commands", "snapshot", "--results-only"})
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
	errBody, _ := env["error"].(map[string]any)
	if errBody["type"] != "command_blocked" {
		t.Fatalf("unexpected error type: %v", errBody["type"])
	}
}

func TestRunnerUnknownKindIsUsageError(t *testing.T) {
	isolateDirs(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"snapshot", "swap", "--account", "0x00000000000000000000000000000000000000a1"})
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerActionRequiresAmount(t *testing.T) {
	isolateDirs(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"stake", "--pool-key", "pool", "--token", "0x00000000000000000000000000000000000000aa"})
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerSchemaListsActionFlags(t *testing.T) {
	isolateDirs(t)
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run([]string{"schema", "unstake", "--results-only"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out struct {
		Command struct {
			Path  string `json:"path"`
			Flags []struct {
				Name string `json:"name"`
			} `json:"flags"`
		} `json:"command"`
		GlobalFlags []struct {
			Name string `json:"name"`
		} `json:"global_flags"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse schema: %v output=%s", err, stdout.String())
	}
	if out.Command.Path != "cover unstake" {
		t.Fatalf("unexpected path: %s", out.Command.Path)
	}
	names := map[string]bool{}
	for _, f := range out.Command.Flags {
		names[f.Name] = true
	}
	if !names["incident-date"] || !names["cover-key"] {
		t.Fatalf("expected resolution flags, got %v", names)
	}
	if names["amount"] || names["token"] {
		t.Fatalf("unstake takes no amount or token, got %v", names)
	}
	if len(out.GlobalFlags) == 0 {
		t.Fatal("expected global flags")
	}
}
