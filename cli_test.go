package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"speakeasy/internal/model"
	"speakeasy/internal/store"
)

func cliDBSetup(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "speakeasy.db")
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	st.Close()
	return dbPath
}

func cliDBWithChannels(t *testing.T, names ...string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "speakeasy.db")
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()
	for _, name := range names {
		if err := st.CreateChannel(context.Background(), &model.Channel{Name: name, Kind: model.ChannelText}); err != nil {
			t.Fatalf("CreateChannel(%q): %v", name, err)
		}
	}
	return dbPath
}

func cliDBWithSettings(t *testing.T, kv map[string]string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "speakeasy.db")
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()
	for k, v := range kv {
		if err := st.SetSetting(context.Background(), k, v); err != nil {
			t.Fatalf("SetSetting(%q, %q): %v", k, v, err)
		}
	}
	return dbPath
}

func TestRunCLIVersionReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"version"}, "not-used.db") {
		t.Error("RunCLI(version) should return true")
	}
}

func TestRunCLIUnknownSubcommandReturnsFalse(t *testing.T) {
	if RunCLI([]string{"nonexistent-cmd"}, "not-used.db") {
		t.Error("RunCLI(unknown) should return false")
	}
}

func TestRunCLIEmptyArgsReturnsFalse(t *testing.T) {
	if RunCLI([]string{}, "not-used.db") {
		t.Error("RunCLI([]) should return false")
	}
}

func TestRunCLINilArgsReturnsFalse(t *testing.T) {
	if RunCLI(nil, "not-used.db") {
		t.Error("RunCLI(nil) should return false")
	}
}

func TestCLIStatusReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("RunCLI(status) should return true")
	}
}

func TestCLIChannelsListReturnsTrue(t *testing.T) {
	dbPath := cliDBWithChannels(t, "General", "Gaming")
	if !RunCLI([]string{"channels"}, dbPath) {
		t.Error("RunCLI(channels) should return true")
	}
}

func TestCLIChannelsEmptyDBReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"channels"}, dbPath) {
		t.Error("RunCLI(channels) with empty db should return true")
	}
}

func TestCLIChannelsCreateReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"channels", "create", "TestChan"}, dbPath) {
		t.Error("RunCLI(channels create) should return true")
	}

	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	channels, err := st.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	found := false
	for _, c := range channels {
		if c.Name == "TestChan" {
			found = true
		}
	}
	if !found {
		t.Error("channel 'TestChan' should exist after CLI create")
	}
}

func TestCLIUsersCreateThenDeactivate(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"users", "create", "alice", "a reasonably long password"}, dbPath) {
		t.Error("RunCLI(users create) should return true")
	}
	if !RunCLI([]string{"users", "deactivate", "alice"}, dbPath) {
		t.Error("RunCLI(users deactivate) should return true")
	}

	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	u, err := st.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Active {
		t.Error("expected alice to be deactivated")
	}
}

func TestCLISettingsListReturnsTrue(t *testing.T) {
	dbPath := cliDBWithSettings(t, map[string]string{"server_name": "test"})
	if !RunCLI([]string{"settings"}, dbPath) {
		t.Error("RunCLI(settings) should return true")
	}
}

func TestCLISettingsSetReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"settings", "set", "mykey", "myvalue"}, dbPath) {
		t.Error("RunCLI(settings set) should return true")
	}

	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()

	val, ok, err := st.GetSetting(context.Background(), "mykey")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || val != "myvalue" {
		t.Errorf("setting value: got %q ok=%v, want %q", val, ok, "myvalue")
	}
}

func TestCLIBackupDefaultPath(t *testing.T) {
	dbPath := cliDBSetup(t)

	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	tmpDir := t.TempDir()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(origDir)

	if !RunCLI([]string{"backup"}, dbPath) {
		t.Error("RunCLI(backup) should return true")
	}

	backupPath := filepath.Join(tmpDir, "speakeasy-backup.db")
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		t.Error("backup file should exist at default path")
	}

	backupStore, err := store.OpenSQLite(backupPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	backupStore.Close()
}

func TestCLIBackupCustomPath(t *testing.T) {
	dbPath := cliDBWithSettings(t, map[string]string{"server_name": "backup-test"})
	outPath := filepath.Join(t.TempDir(), "custom-backup.db")

	if !RunCLI([]string{"backup", outPath}, dbPath) {
		t.Error("RunCLI(backup <path>) should return true")
	}

	backupStore, err := store.OpenSQLite(outPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backupStore.Close()

	val, ok, err := backupStore.GetSetting(context.Background(), "server_name")
	if err != nil || !ok || val != "backup-test" {
		t.Errorf("backup should contain server_name=backup-test, got %q ok=%v err=%v", val, ok, err)
	}
}
