package statusfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/poolsuper/poolsuper/internal/shmem"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	statuses := []shmem.BackendStatus{shmem.StatusUp, shmem.StatusConnectWait, shmem.StatusDown}

	if err := Save(path, statuses); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(statuses) {
		t.Fatalf("expected %d entries, got %d", len(statuses), len(got))
	}
	for i, s := range statuses {
		if got[i] != s {
			t.Fatalf("entry %d: expected %v, got %v", i, s, got[i])
		}
	}
}

func TestSave_DeclinesWhenAllDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")

	if err := Save(path, []shmem.BackendStatus{shmem.StatusUp, shmem.StatusConnectWait}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Save(path, []shmem.BackendStatus{shmem.StatusDown, shmem.StatusDown}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got[0] != shmem.StatusUp || got[1] != shmem.StatusConnectWait {
		t.Fatalf("expected all-DOWN write to be declined and prior contents kept, got %v", got)
	}
}

func TestLoad_MissingFileReturnsNilNoError(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil status vector, got %v", got)
	}
}

func TestLoad_DecodesLegacyBinaryFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy")
	statuses := []shmem.BackendStatus{shmem.StatusUp, shmem.StatusDown, shmem.StatusUnused}

	if err := os.WriteFile(path, EncodeLegacy(statuses), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, s := range statuses {
		if got[i] != s {
			t.Fatalf("entry %d: expected %v, got %v", i, s, got[i])
		}
	}
}

func TestNormalize_CoercesBogusVectorToConnectWait(t *testing.T) {
	got := Normalize([]shmem.BackendStatus{shmem.StatusDown, shmem.StatusUnused})
	for i, s := range got {
		if s != shmem.StatusConnectWait {
			t.Fatalf("entry %d: expected CONNECT_WAIT coercion, got %v", i, s)
		}
	}
}

func TestNormalize_LeavesVectorWithLiveEntryUntouched(t *testing.T) {
	in := []shmem.BackendStatus{shmem.StatusUp, shmem.StatusDown}
	got := Normalize(in)
	if got[0] != shmem.StatusUp || got[1] != shmem.StatusDown {
		t.Fatalf("expected vector with a live entry to pass through unchanged, got %v", got)
	}
}

func TestDiscard_RemovesFileAndIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	if err := Save(path, []shmem.BackendStatus{shmem.StatusUp}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := Discard(path); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file removed after Discard")
	}
	if err := Discard(path); err != nil {
		t.Fatalf("expected second Discard on missing file to be a no-op, got %v", err)
	}
}
