package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
listen: ":4000"
data_dir: /var/lib/sysm
log:
  level: debug
store:
  driver: sqlite
mail:
  host: mail.example.com
  sender: sysm@example.com
  password: hunter2
applications:
  - id: A
    name: Application A
    token: secret
    update_interval: 2s
    services:
      - id: web
        name: Web
      - id: db
    notify: [ops@example.com]
  - id: B
    update_interval: 7500
    services:
      - id: api
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Listen != ":4000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.AuthTimeout.Duration() != 5*time.Second {
		t.Errorf("AuthTimeout default = %v", cfg.AuthTimeout.Duration())
	}
	if len(cfg.Applications) != 2 {
		t.Fatalf("got %d applications", len(cfg.Applications))
	}

	a := cfg.Applications[0].StatusConfig()
	if a.StaleTimeout != 2*time.Second {
		t.Errorf("A stale timeout = %v", a.StaleTimeout)
	}
	if len(a.Services) != 2 || a.Services[0].Name != "Web" {
		t.Errorf("A services = %+v", a.Services)
	}
	if b := cfg.Applications[1].StatusConfig(); b.StaleTimeout != 7500*time.Millisecond {
		t.Errorf("B stale timeout from milliseconds = %v", b.StaleTimeout)
	}

	opts := cfg.StoreOptions()
	if opts.Driver != "sqlite" || opts.Dir != "/var/lib/sysm" {
		t.Errorf("StoreOptions() = %+v", opts)
	}
	smtp, ok := cfg.SMTPConfig()
	if !ok || smtp.Host != "mail.example.com" {
		t.Errorf("SMTPConfig() = %+v, %v", smtp, ok)
	}
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"applications":[{"id":"A","token":"t","services":[{"id":"web"}]}]}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Applications[0].ID != "A" {
		t.Errorf("applications = %+v", cfg.Applications)
	}
	if _, ok := cfg.SMTPConfig(); ok {
		t.Error("mail should be unconfigured")
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("SYSM_SERVER_PORT", "8123")
	t.Setenv("SYSM_LOG_LEVEL", "warn")
	t.Setenv("SYSM_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen != ":8123" {
		t.Errorf("Listen = %q, want :8123", cfg.Listen)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no applications", `listen: ":1"`, "at least one application"},
		{"missing id", `applications: [{name: x}]`, "id is required"},
		{"duplicate app", `applications: [{id: A}, {id: A}]`, `duplicate id "A"`},
		{"duplicate service", `applications: [{id: A, services: [{id: web}, {id: web}]}]`, `duplicate service id "web"`},
		{"empty service id", `applications: [{id: A, services: [{name: web}]}]`, "services[0]: id is required"},
		{"unknown driver", "store: {driver: etcd}\napplications: [{id: A}]", `unknown store driver "etcd"`},
		{"redis without addr", "store: {driver: redis}\napplications: [{id: A}]", "store.redis.addr is required"},
		{"bad duration", "auth_timeout: soon\napplications: [{id: A}]", "invalid duration"},
		{"zero debounce", "debounce: 0s\napplications: [{id: A}]", "debounce must be positive"},
		{"zero auth failures", "auth_max_failures: 0\napplications: [{id: A}]", "auth_max_failures must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte("store: {driver: etcd}\napplications: [{id: A}, {id: A}]"))
	if err == nil {
		t.Fatal("Parse() should fail")
	}
	for _, want := range []string{"unknown store driver", "duplicate id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q misses %q", err, want)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("SYSM_SERVER_CONFIG_PATH", "/etc/sysm.yaml")
	if got := ResolvePath("cli.yaml"); got != "cli.yaml" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := ResolvePath(""); got != "/etc/sysm.yaml" {
		t.Errorf("env should be used, got %q", got)
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	r := cfg.Redacted()
	if r.Mail.Password == "hunter2" || r.Applications[0].Token == "secret" {
		t.Errorf("secrets not redacted: %+v", r)
	}
	if cfg.Applications[0].Token != "secret" {
		t.Error("Redacted() must not modify the original")
	}
}
