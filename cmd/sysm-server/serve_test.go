package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/config"
	"github.com/markus-barta/sysm/internal/notify"
	"github.com/rs/zerolog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
listen: "127.0.0.1:0"
data_dir: ` + t.TempDir() + `
applications:
  - id: A
    token: secret
    services: [{id: web}]
    notify: [ops@example.com]
`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestServe_StartsAndStops(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, clockwork.NewRealClock(), zerolog.Nop()) }()

	// the application record is written during startup
	statePath := filepath.Join(cfg.DataDir, "A.json")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(statePath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("state file was not created")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve() did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen = "256.0.0.1:bad"
	if err := serve(context.Background(), cfg, clockwork.NewRealClock(), zerolog.Nop()); err == nil {
		t.Error("serve() should fail on a bad listen address")
	}
}

func TestNewSender(t *testing.T) {
	cfg := testConfig(t)
	s, err := newSender(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*notify.LogSender); !ok {
		t.Errorf("sender = %T, want *notify.LogSender without mail config", s)
	}

	cfg.Mail = config.MailConfig{Host: "mail.example.com", Sender: "sysm@example.com"}
	s, err = newSender(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*notify.SMTPSender); !ok {
		t.Errorf("sender = %T, want *notify.SMTPSender", s)
	}

	cfg.Mail = config.MailConfig{Host: "mail.example.com"}
	if _, err := newSender(cfg, zerolog.Nop()); err == nil {
		t.Error("mail host without sender should fail")
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "applications:\n  - id: A\n    services: [{id: web}, {id: db}]\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-c", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out.String(), "Applications: 1 (2 services)") {
		t.Errorf("output = %q", out.String())
	}
}
