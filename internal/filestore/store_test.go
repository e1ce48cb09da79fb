package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobmcallan/fhegate/internal/common"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(common.NewSilentLogger(), common.FilesConfig{
		SharedDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestValidateNameRejectsTraversal(t *testing.T) {
	bad := []string{
		"",
		"..",
		"../etc/passwd",
		"../foo",
		"/etc/passwd",
		"a/b",
		`a\b`,
		"nul\x00byte",
		"./.",
	}
	for _, name := range bad {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}

	good := []string{
		"7bca6cb5-81c0-41f5-b39c-1b6fa97ce10e.serverKey",
		"uid.example.input.fheencrypted",
		"backup.uid.task.example.output.fheencrypted",
	}
	for _, name := range good {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
}

func TestTraversalCreatesNoFile(t *testing.T) {
	store := testStore(t)

	if err := store.WriteLive("../escape.bin", []byte("x")); err == nil {
		t.Fatal("expected error for traversal write")
	}

	outside := filepath.Join(filepath.Dir(store.SharedDir()), "escape.bin")
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("traversal write created a file at %s", outside)
	}
}

func TestWriteReadReplace(t *testing.T) {
	store := testStore(t)

	if err := store.WriteLive("a.bin", []byte{0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}
	// Whole-file replacement
	if err := store.WriteLive("a.bin", []byte{0xAA}); err != nil {
		t.Fatalf("WriteLive replace: %v", err)
	}

	data, err := store.ReadLive("a.bin")
	if err != nil {
		t.Fatalf("ReadLive: %v", err)
	}
	if !bytes.Equal(data, []byte{0xAA}) {
		t.Errorf("data = %v", data)
	}

	// No temp file left behind
	if _, err := os.Stat(filepath.Join(store.SharedDir(), "a.bin.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after commit")
	}
}

func TestReadMissing(t *testing.T) {
	store := testStore(t)
	if _, err := store.ReadLive("missing.bin"); err == nil {
		t.Fatal("expected error")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	store := testStore(t)
	uid := "9f0c37e1-16c5-4a5d-8df9-1f19c1b0e222"

	if store.HasKey(uid) {
		t.Fatal("key should not exist yet")
	}
	if err := store.WriteLive(KeyFilename(uid), []byte{0, 1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}
	if !store.HasKey(uid) {
		t.Fatal("key should exist")
	}
}

func TestBackupFilename(t *testing.T) {
	got := BackupFilename("{uid}.example.output.fheencrypted", "u-1", "t-1", "example")
	want := "backup.u-1.t-1.example.output.fheencrypted"
	if got != want {
		t.Errorf("BackupFilename = %q, want %q", got, want)
	}
}

func TestPromoteAndFindBackups(t *testing.T) {
	store := testStore(t)
	uid := "u-abc"
	taskID := "t-def"
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	liveName := uid + ".example.output.fheencrypted"
	if err := store.WriteLive(liveName, payload); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}

	backupName := BackupFilename("{uid}.example.output.fheencrypted", uid, taskID, "example")
	digest, err := store.Promote(liveName, backupName)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if digest != Digest(payload) {
		t.Errorf("digest mismatch: %s", digest)
	}

	info, err := store.FindBackups(uid, taskID)
	if err != nil {
		t.Fatalf("FindBackups: %v", err)
	}
	if info == nil || len(info.Files) != 1 {
		t.Fatalf("FindBackups = %+v", info)
	}
	if info.Files[0] != backupName {
		t.Errorf("backup file = %q, want %q", info.Files[0], backupName)
	}

	data, err := store.ReadBackup(backupName)
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("backup bytes differ from live bytes")
	}

	// Second promotion leaves the existing copy intact.
	if err := store.WriteLive(liveName, []byte("changed")); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}
	if _, err := store.Promote(liveName, backupName); err != nil {
		t.Fatalf("Promote again: %v", err)
	}
	data, _ = store.ReadBackup(backupName)
	if !bytes.Equal(data, payload) {
		t.Error("existing backup copy was overwritten")
	}
}

func TestFindBackupsNone(t *testing.T) {
	store := testStore(t)
	info, err := store.FindBackups("u-1", "t-1")
	if err != nil {
		t.Fatalf("FindBackups: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil, got %+v", info)
	}
}

func TestFindBackupsRejectsTraversal(t *testing.T) {
	store := testStore(t)
	if _, err := store.FindBackups("../x", "t"); err == nil {
		t.Error("expected error for traversal uid")
	}
	if _, err := store.FindBackups("u", "../t"); err == nil {
		t.Error("expected error for traversal task id")
	}
}

func TestSeparateBackupArea(t *testing.T) {
	shared := t.TempDir()
	backup := t.TempDir()
	store, err := NewStore(common.NewSilentLogger(), common.FilesConfig{
		SharedDir: shared,
		BackupDir: backup,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.WriteLive("u.x.output.fheencrypted", []byte("data")); err != nil {
		t.Fatalf("WriteLive: %v", err)
	}
	if _, err := store.Promote("u.x.output.fheencrypted", "backup.u.t.x.output.fheencrypted"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backup, "backup.u.t.x.output.fheencrypted")); err != nil {
		t.Errorf("promoted copy not in backup area: %v", err)
	}
}
