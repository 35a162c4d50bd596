package app

import (
	"testing"

	"github.com/hitoshi/feedcache/internal/model"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Serve(t *testing.T) {
	cmd := ParseCommand([]string{"serve"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([serve]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Worker(t *testing.T) {
	cmd := ParseCommand([]string{"worker"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_Regenerate(t *testing.T) {
	cmd := ParseCommand([]string{"regenerate", "home", "42"})
	if cmd != CommandRegenerate {
		t.Errorf("ParseCommand([regenerate home 42]) = %q, want %q", cmd, CommandRegenerate)
	}
}

func TestParseCommand_Healthcheck(t *testing.T) {
	cmd := ParseCommand([]string{"healthcheck"})
	if cmd != CommandHealthcheck {
		t.Errorf("ParseCommand([healthcheck]) = %q, want %q", cmd, CommandHealthcheck)
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{"unknown"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([unknown]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"worker", "--flag", "value"})
	if cmd != CommandWorker {
		t.Errorf("ParseCommand([worker --flag value]) = %q, want %q", cmd, CommandWorker)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandWorker, "worker"},
		{CommandMigrate, "migrate"},
		{CommandRegenerate, "regenerate"},
		{CommandHealthcheck, "healthcheck"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}

func TestParseRegenerateArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want model.TimelineID
	}{
		{"home", []string{"home", "42"}, model.Home(42)},
		{"mentions", []string{"mentions", "7"}, model.Mentions(7)},
		{"direct", []string{"direct", "7"}, model.Direct(7)},
		{"list", []string{"list", "42", "3"}, model.ListTimeline(42, 3)},
		{"home ignores extra", []string{"home", "42", "3"}, model.Home(42)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRegenerateArgs(tt.args)
			if err != nil {
				t.Fatalf("ParseRegenerateArgs(%v) がエラーを返した: %v", tt.args, err)
			}
			if got.Key() != tt.want.Key() {
				t.Errorf("ParseRegenerateArgs(%v) = %s, want %s", tt.args, got.Key(), tt.want.Key())
			}
		})
	}
}

func TestParseRegenerateArgs_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"missing owner", []string{"home"}},
		{"unknown kind", []string{"public", "42"}},
		{"non-numeric owner", []string{"home", "abc"}},
		{"zero owner", []string{"home", "0"}},
		{"list without list_id", []string{"list", "42"}},
		{"negative list_id", []string{"list", "42", "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRegenerateArgs(tt.args); err == nil {
				t.Errorf("ParseRegenerateArgs(%v) はエラーを返すべき", tt.args)
			}
		})
	}
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want MigrateAction
	}{
		{"default up", nil, MigrateAction{Op: "up"}},
		{"up", []string{"up"}, MigrateAction{Op: "up"}},
		{"version", []string{"version"}, MigrateAction{Op: "version"}},
		{"down", []string{"down", "2"}, MigrateAction{Op: "down", Steps: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMigrateArgs(tt.args)
			if err != nil {
				t.Fatalf("ParseMigrateArgs(%v) がエラーを返した: %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("ParseMigrateArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseMigrateArgs_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"down"},
		{"down", "0"},
		{"down", "many"},
		{"sideways"},
	} {
		if _, err := ParseMigrateArgs(args); err == nil {
			t.Errorf("ParseMigrateArgs(%v) はエラーを返すべき", args)
		}
	}
}
