package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// The package keeps global state, so the lifecycle is exercised in one test
// with ordered phases.
func TestLoggingLifecycle(t *testing.T) {
	dir := t.TempDir()

	// Production mode: no config file means no log output at all.
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Providers("must not be written")
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Fatal("production mode must not create a logs directory")
	}

	// Debug mode with one category disabled.
	cfg := "logging:\n  debug_mode: true\n  level: debug\n  categories:\n    usage: false\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize (debug): %v", err)
	}
	defer CloseAll()

	if !IsDebugMode() {
		t.Fatal("debug_mode true was not picked up")
	}
	if IsCategoryEnabled(CategoryUsage) {
		t.Error("disabled category reported enabled")
	}
	if !IsCategoryEnabled(CategoryProviders) {
		t.Error("unlisted category must default to enabled")
	}

	Providers("provider message %d", 42)
	Usage("usage message that must be dropped")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	var providersLog string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_providers.log") {
			providersLog = filepath.Join(dir, "logs", e.Name())
		}
		if strings.HasSuffix(e.Name(), "_usage.log") {
			t.Error("disabled category produced a log file")
		}
	}
	if providersLog == "" {
		t.Fatal("no providers log file written")
	}
	raw, err := os.ReadFile(providersLog)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "provider message 42") {
		t.Errorf("log content = %q", raw)
	}
}

func TestGetIsNoOpSafeWithoutInitialize(t *testing.T) {
	// Library code logs unconditionally; a logger obtained before (or
	// without) Initialize must simply discard.
	l := &Logger{category: CategoryHooks}
	l.Info("dropped")
	l.Debug("dropped")
	l.Warn("dropped")
	l.Error("dropped")
}
