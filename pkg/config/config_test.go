package config

import (
	"strings"
	"testing"

	"github.com/goccy/go-yaml"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.MaxWrites != 10000 {
		t.Fatalf("expected default max_writes 10000, got %d", cfg.MaxWrites)
	}
}

func TestUnmarshal_OverridesDefaults(t *testing.T) {
	src := `
logger:
  level: debug
  json: true
http-server:
  port: 9090
db:
  path: /var/lib/caskdb
  pattern: kv
  max_writes: 3
`
	cfg := Default()
	if err := yaml.Unmarshal([]byte(src), &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Logger.JSON {
		t.Fatalf("unexpected server/logger config: %+v %+v", cfg.Server, cfg.Logger)
	}
	if cfg.Path != "/var/lib/caskdb" || cfg.Pattern != "kv" || cfg.MaxWrites != 3 {
		t.Fatalf("unexpected db config: %+v", cfg.DB)
	}
	if cfg.MaxSegmentBytes != DefaultMaxSegmentBytes {
		t.Fatalf("unset field should keep its default, got %d", cfg.MaxSegmentBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config should be valid: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Default()
	cfg.Pattern = "a/b"
	cfg.MaxWrites = 0
	cfg.Logger.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"db.pattern", "db.max_writes", "logger.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestValidate_RejectsZeroLimits(t *testing.T) {
	cfg := Default()
	cfg.MaxSegmentBytes = 0
	cfg.MaxValueBytes = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"db.max_segment_bytes", "db.max_value_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %v", want, err)
		}
	}
}
