package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireDir_ExclusiveUntilRelease(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	l, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if l.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("Path=%q", l.Path())
	}
	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if pid, _ := strconv.Atoi(strings.TrimSpace(string(raw))); pid != os.Getpid() {
		t.Fatalf("pid=%q, want %d", raw, os.Getpid())
	}

	// flock locks belong to the open file description, so a second open in the
	// same process still conflicts.
	_, err = AcquireDir(dir)
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second AcquireDir err=%v, want ErrAlreadyLocked", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("err=%T, want *HeldError", err)
	}
	if held.PID != os.Getpid() || !held.Alive || held.Path != l.Path() {
		t.Fatalf("HeldError=%+v, want live pid %d", held, os.Getpid())
	}
	if !strings.Contains(err.Error(), "pid "+strconv.Itoa(os.Getpid())) {
		t.Fatalf("err=%q, want holder pid", err.Error())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquire_EmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Acquire(""); err == nil {
		t.Fatalf("Acquire(\"\") err=nil")
	}
	if _, err := AcquireDir(" "); err == nil {
		t.Fatalf("AcquireDir(\" \") err=nil")
	}
}

func TestHeldError_StalePID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if e := holder(path); e.PID != 0 || e.Alive {
		t.Fatalf("holder=%+v, want unknown pid", e)
	}
	if e := holder(filepath.Join(t.TempDir(), "missing.lock")); e.PID != 0 || !errors.Is(e, ErrAlreadyLocked) {
		t.Fatalf("holder=%+v", e)
	}
}
