package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogFile, "/tmp/kernelbridge.log")
	cfg := DefaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("level override ignored: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("timestamp override ignored")
	}
	if cfg.File != "/tmp/kernelbridge.log" {
		t.Fatalf("file override ignored: %q", cfg.File)
	}
}

func TestDefaultConfigProfiles(t *testing.T) {
	if got := DefaultConfig(ProfileTest); got.Level != zerolog.DebugLevel || got.Timestamp {
		t.Fatalf("unexpected test profile: %+v", got)
	}
	if got := DefaultConfig(ProfileRuntime); got.Level != zerolog.InfoLevel || !got.Timestamp {
		t.Fatalf("unexpected runtime profile: %+v", got)
	}
}
