package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestIsStaleError(t *testing.T) {
	if !isStaleError(syscall.ESTALE) {
		t.Error("ESTALE not recognized")
	}
	if !isStaleError(&os.PathError{Op: "stat", Path: "/x", Err: syscall.ESTALE}) {
		t.Error("wrapped ESTALE not recognized")
	}
	if isStaleError(syscall.ENOENT) {
		t.Error("ENOENT misclassified as stale")
	}
	if isStaleError(nil) {
		t.Error("nil misclassified as stale")
	}
	if isStaleError(errors.New("plain error")) {
		t.Error("plain error misclassified as stale")
	}
}

func TestWithRetryStopsOnNonStaleError(t *testing.T) {
	calls := 0
	err := withRetry("stat", "/x", fastConfig(), func() error {
		calls++
		return syscall.ENOENT
	})
	if !errors.Is(err, syscall.ENOENT) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("non-stale error retried %d times", calls)
	}
}

func TestWithRetryRecoversFromStale(t *testing.T) {
	calls := 0
	err := withRetry("open", "/x", fastConfig(), func() error {
		calls++
		if calls < 3 {
			return syscall.ESTALE
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	cfg := fastConfig()
	calls := 0
	err := withRetry("stat", "/x", cfg, func() error {
		calls++
		return syscall.ESTALE
	})
	if !errors.Is(err, syscall.ESTALE) {
		t.Errorf("err = %v", err)
	}
	if calls != cfg.MaxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, cfg.MaxRetries+1)
	}
}

func TestStatOpenReadDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := Stat(path, DefaultRetryConfig())
	if err != nil || info.Size() != 1 {
		t.Errorf("Stat() = %v, %v", info, err)
	}

	f, err := Open(path, DefaultRetryConfig())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	f.Close()

	entries, err := ReadDir(dir, DefaultRetryConfig())
	if err != nil || len(entries) != 1 {
		t.Errorf("ReadDir() = %d entries, %v", len(entries), err)
	}

	if _, err := Stat(filepath.Join(dir, "missing"), DefaultRetryConfig()); err == nil {
		t.Error("Stat(missing) succeeded")
	}
}
