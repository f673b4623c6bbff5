package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mvidalgarcia/taskdock/internal/core"
	"github.com/mvidalgarcia/taskdock/internal/events"
	"github.com/mvidalgarcia/taskdock/internal/logging"
)

// resolvePath resolves symlinks and returns an absolute path.
// Needed for cross-platform path comparison (e.g., macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// sanitizeRef converts a task ID into a string safe for branch and
// directory names.
func sanitizeRef(taskID string) string {
	var b strings.Builder
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		s = "task"
	}
	return s
}

// WorktreeManager allocates one git worktree per task under a base
// directory inside the repository.
type WorktreeManager struct {
	git          *Client
	baseDir      string
	branchPrefix string
	bus          *events.Bus
	log          *logging.Logger
}

// NewWorktreeManager creates a worktree manager. An empty baseDir defaults
// to .taskdock/worktrees under the repository root.
func NewWorktreeManager(git *Client, baseDir, branchPrefix string, bus *events.Bus, log *logging.Logger) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".taskdock", "worktrees")
	}
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(git.RepoPath(), baseDir)
	}
	if branchPrefix == "" {
		branchPrefix = "taskdock/task-"
	}
	if log == nil {
		log = logging.NewNop()
	}

	return &WorktreeManager{
		git:          git,
		baseDir:      baseDir,
		branchPrefix: branchPrefix,
		bus:          bus,
		log:          log.WithComponent("worktree"),
	}
}

// BaseDir returns the base directory for managed worktrees.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}

// PathFor returns the worktree path a task would occupy.
func (m *WorktreeManager) PathFor(taskID string) string {
	return filepath.Join(m.baseDir, sanitizeRef(taskID))
}

// BranchFor returns the branch derived from a task ID.
func (m *WorktreeManager) BranchFor(taskID string) string {
	return m.branchPrefix + sanitizeRef(taskID)
}

// Create adds an isolated checkout for the task. An empty branch derives
// one from the task ID using the configured prefix.
func (m *WorktreeManager) Create(ctx context.Context, taskID, branch string) (*core.WorktreeInfo, error) {
	if taskID == "" {
		return nil, core.ErrValidation("EMPTY_TASK_ID", "task ID is required")
	}
	if branch == "" {
		branch = m.BranchFor(taskID)
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base directory: %w", err)
	}

	worktreePath := m.PathFor(taskID)
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, core.ErrWorktree("WORKTREE_EXISTS",
			fmt.Sprintf("worktree for task %s already exists at %s", taskID, worktreePath),
			taskID, "")
	}

	branchExists, err := m.git.BranchExists(ctx, branch)
	if err != nil {
		return nil, core.ErrWorktree("WORKTREE_COMMAND_FAILED",
			"listing branches failed", taskID, err.Error())
	}

	var args []string
	if branchExists {
		args = []string{"worktree", "add", worktreePath, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, worktreePath}
	}

	if output, err := m.git.run(ctx, args...); err != nil {
		return nil, core.ErrWorktree("WORKTREE_COMMAND_FAILED",
			fmt.Sprintf("creating worktree for task %s failed", taskID),
			taskID, output+err.Error())
	}

	info := &core.WorktreeInfo{
		TaskID:    taskID,
		Path:      worktreePath,
		Branch:    branch,
		CreatedAt: time.Now(),
	}

	m.log.Info("worktree created", "task_id", taskID, "path", worktreePath, "branch", branch)
	if m.bus != nil {
		m.bus.Publish(events.NewWorktreeCreatedEvent(taskID, worktreePath, branch))
	}

	return info, nil
}

// Remove deletes the task's checkout. Without force it fails when the
// checkout has uncommitted changes. Removing an absent worktree is a no-op.
func (m *WorktreeManager) Remove(ctx context.Context, taskID string, force bool) error {
	worktreePath := m.PathFor(taskID)

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		// Already gone; clear any stale registration.
		_, _ = m.git.run(ctx, "worktree", "prune")
		return nil
	}

	if !force {
		dirty, err := m.git.HasUncommittedChanges(ctx, worktreePath)
		if err != nil {
			return core.ErrWorktree("WORKTREE_COMMAND_FAILED",
				fmt.Sprintf("checking worktree for task %s failed", taskID),
				taskID, err.Error())
		}
		if dirty {
			return core.ErrWorktree("WORKTREE_DIRTY",
				fmt.Sprintf("worktree for task %s has uncommitted changes", taskID),
				taskID, "")
		}
	}

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)

	if output, err := m.git.run(ctx, args...); err != nil {
		return core.ErrWorktree("WORKTREE_COMMAND_FAILED",
			fmt.Sprintf("removing worktree for task %s failed", taskID),
			taskID, output+err.Error())
	}

	m.log.Info("worktree removed", "task_id", taskID, "path", worktreePath, "force", force)
	if m.bus != nil {
		m.bus.Publish(events.NewWorktreeDeletedEvent(taskID, worktreePath, force))
	}

	return nil
}

// List enumerates the checkouts under this manager's base directory.
func (m *WorktreeManager) List(ctx context.Context) ([]*core.WorktreeInfo, error) {
	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, core.ErrWorktree("WORKTREE_COMMAND_FAILED",
			"listing worktrees failed", "", err.Error())
	}

	resolvedBase := resolvePath(m.baseDir)
	infos := make([]*core.WorktreeInfo, 0)

	for _, entry := range parseWorktreeList(output) {
		if !strings.HasPrefix(resolvePath(entry.path), resolvedBase+string(filepath.Separator)) {
			continue
		}
		info := &core.WorktreeInfo{
			TaskID: filepath.Base(entry.path),
			Path:   entry.path,
			Branch: entry.branch,
		}
		if st, err := os.Stat(entry.path); err == nil {
			info.CreatedAt = st.ModTime()
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// CleanupAll removes every managed worktree and prunes stale entries.
func (m *WorktreeManager) CleanupAll(ctx context.Context, force bool) error {
	infos, err := m.List(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, info := range infos {
		if err := m.Remove(ctx, info.TaskID, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if _, err := m.git.run(ctx, "worktree", "prune"); err != nil && firstErr == nil {
		firstErr = core.ErrWorktree("WORKTREE_COMMAND_FAILED",
			"pruning worktrees failed", "", err.Error())
	}

	return firstErr
}

type worktreeEntry struct {
	path   string
	branch string
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []worktreeEntry {
	entries := make([]worktreeEntry, 0)
	var current *worktreeEntry

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case current != nil && strings.HasPrefix(line, "branch "):
			current.branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}

	return entries
}
