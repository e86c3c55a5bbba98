package directory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeCacheFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}
}

func setModTime(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(filepath.Join(dir, name), mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestCacheCheck(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Dir: dir}

	writeCacheFiles(t, dir, ConsensusFileName, CertificateFileName)
	err := cache.Check()
	if err == nil {
		t.Fatal("expected error for missing files")
	}
	if !strings.Contains(err.Error(), MicrodescriptorsFileName) || !strings.Contains(err.Error(), AuthorityFileName) {
		t.Fatalf("error should name the missing files: %v", err)
	}

	writeCacheFiles(t, dir, MicrodescriptorsFileName, AuthorityFileName)
	if err := cache.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCacheCheckNoDir(t *testing.T) {
	if err := (&Cache{}).Check(); err == nil {
		t.Fatal("should error with empty dir")
	}
	if err := (&Cache{Dir: filepath.Join(t.TempDir(), "missing")}).Check(); err == nil {
		t.Fatal("should error for a missing directory")
	}
}

func TestCacheReadFilesWithoutChurn(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Dir: dir}
	writeCacheFiles(t, dir, requiredFiles...)

	files, err := cache.ReadFiles()
	if err != nil {
		t.Fatalf("ReadFiles: %v", err)
	}
	if files.Churn != nil {
		t.Fatal("missing churn file should read as nil")
	}
	if string(files.Consensus) != "x" {
		t.Fatalf("consensus = %q", files.Consensus)
	}

	writeCacheFiles(t, dir, ChurnFileName)
	files, err = cache.ReadFiles()
	if err != nil {
		t.Fatal(err)
	}
	if string(files.Churn) != "x" {
		t.Fatalf("churn = %q", files.Churn)
	}
}

func TestCacheLoadAuthority(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Dir: dir}

	if _, err := cache.LoadAuthority(); err == nil {
		t.Fatal("expected error for missing authority.json")
	}

	_ = os.WriteFile(filepath.Join(dir, AuthorityFileName), []byte("{invalid json"), 0600)
	if _, err := cache.LoadAuthority(); err == nil {
		t.Fatal("expected error for corrupted authority.json")
	}

	_ = os.WriteFile(filepath.Join(dir, AuthorityFileName), []byte(`{"name": "lightarti"}`), 0600)
	if _, err := cache.LoadAuthority(); err == nil {
		t.Fatal("expected error for missing v3ident")
	}

	_ = os.WriteFile(filepath.Join(dir, AuthorityFileName),
		[]byte(`{"name": "lightarti", "v3ident": "27B6B5996C426270A5C95488AA5BCEB6BCC86956"}`), 0600)
	a, err := cache.LoadAuthority()
	if err != nil {
		t.Fatalf("LoadAuthority: %v", err)
	}
	if a.Name != "lightarti" || a.V3Ident != "27B6B5996C426270A5C95488AA5BCEB6BCC86956" {
		t.Fatalf("authority = %+v", a)
	}
}

func TestCacheState(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Dir: dir}
	// Wednesday
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	if got := cache.State(now); got != UpdateAll {
		t.Fatalf("empty cache: state = %v, want all", got)
	}

	writeCacheFiles(t, dir, requiredFiles...)
	setModTime(t, dir, MicrodescriptorsFileName, now.Add(-time.Hour))
	if got := cache.State(now); got != UpdateChurn {
		t.Fatalf("no churn file: state = %v, want churn", got)
	}

	writeCacheFiles(t, dir, ChurnFileName)
	setModTime(t, dir, ChurnFileName, now.Add(-time.Hour))
	if got := cache.State(now); got != UpdateNone {
		t.Fatalf("fresh cache: state = %v, want none", got)
	}

	// Churn from yesterday
	setModTime(t, dir, ChurnFileName, now.Add(-24*time.Hour))
	if got := cache.State(now); got != UpdateChurn {
		t.Fatalf("stale churn: state = %v, want churn", got)
	}

	// Microdescriptors from Monday of the same week are current.
	setModTime(t, dir, ChurnFileName, now)
	setModTime(t, dir, MicrodescriptorsFileName, time.Date(2025, 1, 13, 0, 30, 0, 0, time.UTC))
	if got := cache.State(now); got != UpdateNone {
		t.Fatalf("same week: state = %v, want none", got)
	}

	// Sunday belongs to the previous week.
	setModTime(t, dir, MicrodescriptorsFileName, time.Date(2025, 1, 12, 23, 0, 0, 0, time.UTC))
	if got := cache.State(now); got != UpdateAll {
		t.Fatalf("previous week: state = %v, want all", got)
	}

	// Same ISO week number a year earlier.
	setModTime(t, dir, MicrodescriptorsFileName, now.AddDate(-1, 0, 0))
	if got := cache.State(now); got != UpdateAll {
		t.Fatalf("previous year: state = %v, want all", got)
	}
}

func TestCacheWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	cache := &Cache{Dir: dir}

	if err := cache.WriteFile(ChurnFileName, []byte("first")); err != nil {
		t.Fatalf("WriteFile failed to create nested dir: %v", err)
	}
	if err := cache.WriteFile(ChurnFileName, []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ChurnFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestCacheWriteFileRejectsPaths(t *testing.T) {
	cache := &Cache{Dir: t.TempDir()}
	for _, name := range []string{"../escape", "a/b", ".."} {
		if err := cache.WriteFile(name, nil); err == nil {
			t.Fatalf("WriteFile(%q) should fail", name)
		}
	}
	if err := (&Cache{}).WriteFile(ChurnFileName, nil); err == nil {
		t.Fatal("should error with empty dir")
	}
}

func TestCacheFilePermissions(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Dir: dir}

	if err := cache.WriteFile(ConsensusFileName, []byte("test")); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, ConsensusFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}
