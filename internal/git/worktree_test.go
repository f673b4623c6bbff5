package git_test

import (
	"context"
	"os"
	"testing"

	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/git"
	"github.com/mvidalgarcia/taskdock/internal/testutil"
)

func newManager(t *testing.T) (*testutil.GitRepo, *git.WorktreeManager) {
	t.Helper()

	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# Test")
	repo.Commit("Initial commit")

	client, err := git.NewClient(repo.Path)
	testutil.AssertNoError(t, err)

	manager := git.NewWorktreeManager(client, "", "", nil, nil)
	return repo, manager
}

func TestWorktreeManager_Create(t *testing.T) {
	repo, manager := newManager(t)

	wt, err := manager.Create(context.Background(), "task-1", "feature-branch")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, wt.TaskID, "task-1")
	testutil.AssertEqual(t, wt.Branch, "feature-branch")

	_, err = os.Stat(wt.Path)
	testutil.AssertNoError(t, err)

	if wt.Path == repo.Path {
		t.Fatal("worktree path should differ from main repo")
	}
}

func TestWorktreeManager_Create_DerivedBranch(t *testing.T) {
	_, manager := newManager(t)

	wt, err := manager.Create(context.Background(), "task-42", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, wt.Branch, "taskdock/task-task-42")
}

func TestWorktreeManager_Create_SanitizesTaskID(t *testing.T) {
	_, manager := newManager(t)

	wt, err := manager.Create(context.Background(), "task/with spaces", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, wt.Branch, "taskdock/task-task-with-spaces")
}

func TestWorktreeManager_Create_Existing(t *testing.T) {
	_, manager := newManager(t)

	_, err := manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)

	_, err = manager.Create(context.Background(), "task-1", "other-branch")
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, core.HasCode(err, "WORKTREE_EXISTS"), "expected WORKTREE_EXISTS")
}

func TestWorktreeManager_Create_EmptyTaskID(t *testing.T) {
	_, manager := newManager(t)

	_, err := manager.Create(context.Background(), "", "")
	testutil.AssertError(t, err)
}

func TestWorktreeManager_Remove(t *testing.T) {
	_, manager := newManager(t)

	wt, err := manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)

	err = manager.Remove(context.Background(), "task-1", false)
	testutil.AssertNoError(t, err)

	_, err = os.Stat(wt.Path)
	testutil.AssertTrue(t, os.IsNotExist(err), "worktree directory should be gone")
}

func TestWorktreeManager_Remove_Absent(t *testing.T) {
	_, manager := newManager(t)

	// Removing a worktree that never existed is a no-op.
	err := manager.Remove(context.Background(), "ghost", false)
	testutil.AssertNoError(t, err)
}

func TestWorktreeManager_Remove_Dirty(t *testing.T) {
	_, manager := newManager(t)

	wt, err := manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)

	err = os.WriteFile(wt.Path+"/dirty.txt", []byte("uncommitted"), 0o644)
	testutil.AssertNoError(t, err)

	err = manager.Remove(context.Background(), "task-1", false)
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, core.HasCode(err, "WORKTREE_DIRTY"), "expected WORKTREE_DIRTY")

	// Force overrides the dirty check.
	err = manager.Remove(context.Background(), "task-1", true)
	testutil.AssertNoError(t, err)
}

func TestWorktreeManager_List(t *testing.T) {
	_, manager := newManager(t)

	infos, err := manager.List(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, infos, 0)

	_, err = manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)
	_, err = manager.Create(context.Background(), "task-2", "")
	testutil.AssertNoError(t, err)

	infos, err = manager.List(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, infos, 2)
}

func TestWorktreeManager_CleanupAll(t *testing.T) {
	_, manager := newManager(t)

	_, err := manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)
	wt2, err := manager.Create(context.Background(), "task-2", "")
	testutil.AssertNoError(t, err)

	// Unclean worktree survives CleanupAll without force.
	err = os.WriteFile(wt2.Path+"/dirty.txt", []byte("x"), 0o644)
	testutil.AssertNoError(t, err)

	err = manager.CleanupAll(context.Background(), false)
	testutil.AssertError(t, err)

	infos, err := manager.List(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, infos, 1)

	err = manager.CleanupAll(context.Background(), true)
	testutil.AssertNoError(t, err)

	infos, err = manager.List(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, infos, 0)
}

func TestWorktreeManager_PublishesEvents(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("README.md", "# Test")
	repo.Commit("Initial commit")

	client, err := git.NewClient(repo.Path)
	testutil.AssertNoError(t, err)

	bus := events.NewBus(16)
	defer bus.Close()
	ch := bus.Subscribe(events.TypeWorktreeCreated, events.TypeWorktreeDeleted)

	manager := git.NewWorktreeManager(client, "", "", bus, nil)

	_, err = manager.Create(context.Background(), "task-1", "")
	testutil.AssertNoError(t, err)

	ev := <-ch
	testutil.AssertEqual(t, ev.EventType(), events.TypeWorktreeCreated)
	testutil.AssertEqual(t, ev.TaskID(), "task-1")

	err = manager.Remove(context.Background(), "task-1", true)
	testutil.AssertNoError(t, err)

	ev = <-ch
	testutil.AssertEqual(t, ev.EventType(), events.TypeWorktreeDeleted)
}
