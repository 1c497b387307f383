package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "cover"}
	root.PersistentFlags().Bool("json", false, "Output JSON")

	stake := &cobra.Command{Use: "stake", Short: "Stake", RunE: func(*cobra.Command, []string) error { return nil }}
	stake.Flags().String("amount", "", "Amount")
	stake.Flags().String("chain", "ethereum", "Chain")
	_ = stake.MarkFlagRequired("amount")

	snapshot := &cobra.Command{Use: "snapshot <kind>", Short: "Snapshot", RunE: func(*cobra.Command, []string) error { return nil }}
	tickets := &cobra.Command{Use: "tickets", Short: "Tickets"}
	tickets.AddCommand(&cobra.Command{Use: "list", RunE: func(*cobra.Command, []string) error { return nil }})

	root.AddCommand(stake, snapshot, tickets)
	return root
}

func TestBuildMarksRequiredFlags(t *testing.T) {
	s, err := Build(testTree(), "stake")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "cover stake" || !s.Runnable {
		t.Fatalf("unexpected command schema: %+v", s)
	}
	if len(s.Flags) != 2 || s.Flags[0].Name != "amount" || !s.Flags[0].Required {
		t.Fatalf("expected required amount flag first, got %+v", s.Flags)
	}
	if s.Flags[1].Required || s.Flags[1].Default != "ethereum" {
		t.Fatalf("unexpected chain flag: %+v", s.Flags[1])
	}
}

func TestBuildPositionalArgsAndNesting(t *testing.T) {
	root := testTree()
	s, err := Build(root, "snapshot")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Args) != 1 || s.Args[0] != "kind" {
		t.Fatalf("unexpected args: %v", s.Args)
	}

	all, err := Build(root, "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(all.Subcommands) != 3 {
		t.Fatalf("expected 3 subcommands, got %d", len(all.Subcommands))
	}
	if _, err := Build(root, "tickets nope"); err == nil {
		t.Fatal("expected unknown command path to fail")
	}
	if globals := Globals(root); len(globals) != 1 || globals[0].Name != "json" {
		t.Fatalf("unexpected globals: %+v", globals)
	}
}
