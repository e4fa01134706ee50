package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	if cmd == nil {
		t.Fatal("Root command should not be nil")
	}

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("--help returned error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{"ralph", "prd.json", "--no-cutoff", "--cutoff-hour", "--force", "--tool", "--config"} {
		if !strings.Contains(output, want) {
			t.Errorf("help text should mention %q, got: %s", want, output)
		}
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Name() != "ralph" {
		t.Errorf("Expected name 'ralph', got '%s'", cmd.Name())
	}

	found := map[string]bool{}
	for _, sub := range cmd.Commands() {
		found[sub.Name()] = true
	}
	for _, name := range []string{"status", "history"} {
		if !found[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRootCommandRejectsExtraArgs(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"3", "4"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for two positional arguments")
	}
}

func TestVersionFlag(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("--version returned error: %v", err)
	}
	if !strings.Contains(buf.String(), Version) {
		t.Errorf("version output should contain %q, got: %s", Version, buf.String())
	}
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: 130}
	if err.Error() != "exit status 130" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
