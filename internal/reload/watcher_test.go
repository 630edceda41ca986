package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	missing := filepath.Join(dir, "missing.yaml")
	writeFile(t, existing, "model: []")

	var watcher Watcher
	if err := watcher.Update([]string{existing, missing}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(watcher.files) != 1 {
		t.Fatalf("expected 1 tracked file, got %d", len(watcher.files))
	}
	if _, ok := watcher.files[existing]; !ok {
		t.Fatalf("file %s not tracked", existing)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher([]string{fileA, fileB})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	sort.Strings(changed)
	expected := []string{fileA, fileB}
	sort.Strings(expected)
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("Check() = %v, want %v", changed, expected)
	}
}

func TestWatcherCheckRefreshesSnapshot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	writeFile(t, file, "v1")

	watcher, err := NewWatcher([]string{file})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, file, "v2-longer")

	if changed, _ := watcher.Check(); len(changed) != 1 {
		t.Fatalf("expected change, got %v", changed)
	}
	if changed, _ := watcher.Check(); len(changed) != 0 {
		t.Fatalf("expected change to be consumed, got %v", changed)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update(nil); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
