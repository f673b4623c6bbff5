package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTask_BareArray(t *testing.T) {
	path := writeTasks(t, `[
		{"id": "1.1", "title": "First"},
		{"id": "1.2", "title": "Second", "priority": "high"}
	]`)

	task, err := loadTask(path, "1.2")
	if err != nil {
		t.Fatalf("loadTask() error = %v", err)
	}
	if task.Title != "Second" || task.Priority != "high" {
		t.Errorf("task = %+v", task)
	}
}

func TestLoadTask_WrappedObject(t *testing.T) {
	path := writeTasks(t, `{"tasks": [{"id": "2.1", "title": "Wrapped"}]}`)

	task, err := loadTask(path, "2.1")
	if err != nil {
		t.Fatalf("loadTask() error = %v", err)
	}
	if task.Title != "Wrapped" {
		t.Errorf("task = %+v", task)
	}
}

func TestLoadTask_Missing(t *testing.T) {
	path := writeTasks(t, `[{"id": "1.1", "title": "First"}]`)

	if _, err := loadTask(path, "9.9"); err == nil {
		t.Error("unknown task ID should fail")
	}
	if _, err := loadTask(filepath.Join(t.TempDir(), "absent.json"), "1.1"); err == nil {
		t.Error("missing tasks file should fail")
	}
	bad := writeTasks(t, `not json`)
	if _, err := loadTask(bad, "1.1"); err == nil {
		t.Error("malformed tasks file should fail")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	want := []string{
		"run", "status", "stop", "pause", "resume",
		"send", "cleanup", "init", "version",
	}
	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range want {
		if !registered[name] {
			t.Errorf("subcommand %s not registered", name)
		}
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc1234", "2026-01-02")
	if appVersion != "1.2.3" || appCommit != "abc1234" || appDate != "2026-01-02" {
		t.Errorf("version fields = %s %s %s", appVersion, appCommit, appDate)
	}
}
