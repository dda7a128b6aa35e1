package config

import (
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PANTRY_TOKEN_SECRET": secret,
		"PANTRY_STORE":        "memory",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl %s", cfg.AccessTTL)
	}
	if cfg.RefreshTTL != 14*24*time.Hour {
		t.Fatalf("unexpected refresh ttl %s", cfg.RefreshTTL)
	}
	if cfg.LockoutThreshold != 5 || cfg.DefaultRole != "role_viewer" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ReuseDetection {
		t.Fatal("reuse detection must default to off")
	}
	if cfg.AutoMigrate {
		t.Fatal("auto migrate must default to off")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PANTRY_TOKEN_SECRET":            secret,
		"PANTRY_STORE":                   "postgres",
		"PANTRY_PG_DSN":                  "postgres://localhost/pantry",
		"PANTRY_ACCESS_TTL":              "5m",
		"PANTRY_REFRESH_REUSE_DETECTION": "true",
		"PANTRY_ARGON2_THREADS":          "4",
		"PANTRY_AUTO_MIGRATE":            "true",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AccessTTL != 5*time.Minute || !cfg.ReuseDetection || cfg.Argon2Threads != 4 || !cfg.AutoMigrate {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		vars map[string]string
		want string
	}{
		"missing secret": {
			vars: map[string]string{"PANTRY_STORE": "memory"},
			want: "TOKEN_SECRET",
		},
		"short secret": {
			vars: map[string]string{"PANTRY_TOKEN_SECRET": "short", "PANTRY_STORE": "memory"},
			want: "at least 32 bytes",
		},
		"postgres without dsn": {
			vars: map[string]string{"PANTRY_TOKEN_SECRET": secret},
			want: "PG_DSN",
		},
		"unknown store": {
			vars: map[string]string{"PANTRY_TOKEN_SECRET": secret, "PANTRY_STORE": "mongo"},
			want: "unknown STORE",
		},
		"access outlives refresh": {
			vars: map[string]string{"PANTRY_TOKEN_SECRET": secret, "PANTRY_STORE": "memory", "PANTRY_ACCESS_TTL": "400h"},
			want: "shorter than REFRESH_TTL",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(tc.vars)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
