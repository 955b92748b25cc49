package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(root, "config", "dev", "toolmeter.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
}

func TestLoadMergesFilesAndEnv(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp,
		"environment=dev\nlog_level=debug\nlog_file=/tmp/base.log\ndefault_uses=5\n",
		"log_file=/tmp/env.log\nhttp_address=:9090\nauth_secret=file-secret\ninference_timeout=15s\nroutes=gpt-*=openai,qwen*=>openai\n")
	t.Setenv("TOOLMETER_AUTH_SECRET", "env-secret")
	t.Setenv("TOOLMETER_UNLIMITED_CREDIT", "5000")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("unexpected environment %s", cfg.Environment)
	}
	if cfg.LogFile != "/tmp/env.log" {
		t.Fatalf("unexpected log file %s", cfg.LogFile)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.AuthSecret != "env-secret" {
		t.Fatalf("unexpected auth secret %s", cfg.AuthSecret)
	}
	if cfg.DefaultUses != 5 || cfg.UnlimitedCredit != 5000 {
		t.Fatalf("unexpected uses defaults %d/%d", cfg.DefaultUses, cfg.UnlimitedCredit)
	}
	if cfg.InferenceTimeout != 15*time.Second {
		t.Fatalf("unexpected inference timeout %v", cfg.InferenceTimeout)
	}
	if len(cfg.Routes) != 2 || cfg.Routes[0].Pattern != "gpt-*" || cfg.Routes[1].Target != "openai" {
		t.Fatalf("unexpected routes %+v", cfg.Routes)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" || cfg.HTTPAddress != ":8090" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DefaultUses != 10 || cfg.UnlimitedCredit != 999 {
		t.Fatalf("unexpected uses defaults %d/%d", cfg.DefaultUses, cfg.UnlimitedCredit)
	}
	if cfg.TabSessionTTL != 30*time.Minute || cfg.UsageLogFlushInterval != time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.TabSessionTTL, cfg.UsageLogFlushInterval)
	}
	if cfg.OpenRouterTitle != "YaoTools AI Assistant" {
		t.Fatalf("unexpected openrouter title %q", cfg.OpenRouterTitle)
	}
	if cfg.UsePostgres() {
		t.Fatalf("expected sqlite by default")
	}
	if !strings.HasSuffix(cfg.SQLitePath(), "toolmeter.db") {
		t.Fatalf("unexpected sqlite path %s", cfg.SQLitePath())
	}
}

func TestLoadHooksSection(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n",
		"[hooks]\nenabled=true\nscript_path=/usr/local/bin/hook.sh\nscript_args=--verbose, --json\nscript_env=FOO=bar,BAZ=qux\ntimeout=3s\n")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Hooks.Enabled || cfg.Hooks.ScriptPath != "/usr/local/bin/hook.sh" {
		t.Fatalf("unexpected hooks config %+v", cfg.Hooks)
	}
	if len(cfg.Hooks.ScriptArgs) != 2 || cfg.Hooks.ScriptArgs[1] != "--json" {
		t.Fatalf("unexpected script args %v", cfg.Hooks.ScriptArgs)
	}
	if cfg.Hooks.Env["FOO"] != "bar" || cfg.Hooks.Env["BAZ"] != "qux" {
		t.Fatalf("unexpected script env %v", cfg.Hooks.Env)
	}
	if cfg.Hooks.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Hooks.Timeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n", "inference_timeout=soon\n")
	if _, err := Load(tmp); err == nil || !strings.Contains(err.Error(), "inference_timeout") {
		t.Fatalf("expected inference_timeout error, got %v", err)
	}

	writeConfig(t, tmp, "environment=dev\n", "hooks_enabled=true\n")
	if _, err := Load(tmp); err == nil {
		t.Fatalf("expected hooks validation error")
	}
}

func TestUsePostgres(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://meter@localhost/meter"}
	if !cfg.UsePostgres() {
		t.Fatalf("expected postgres")
	}
}

func TestLedgerInitialBalance(t *testing.T) {
	if got := (Config{DefaultUses: 0}).LedgerInitialBalance(); got != -1 {
		t.Fatalf("zero default_uses should start empty, got %d", got)
	}
	if got := (Config{DefaultUses: 7}).LedgerInitialBalance(); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
