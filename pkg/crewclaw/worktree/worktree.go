// Package worktree isolates agent executions in private git worktrees.
//
// An isolated execution edits a full working copy of the base workspace,
// rooted at the workspace's current HEAD on a dedicated branch. Nothing
// reaches the shared workspace until the changes are reviewed and applied:
//
//	base workspace ──Create──▶ <scratch>/<exec-id>  (branch crew/<exec-id>)
//	                               │ agent edits, may commit
//	base workspace ◀──Apply─── Diff() = committed ∪ uncommitted ∪ untracked
//
// Creation failure is never fatal to the owning execution — the caller falls
// back to sharing the base workspace.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ChangeKind classifies one file change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one derived difference between the isolated copy and the
// base workspace. Never persisted; superseded on every Diff call.
type FileChange struct {
	// Path is relative to the workspace root.
	Path string

	// Original is the base-workspace content. Nil means the path is new.
	Original []byte

	// Content is the isolated copy's current content. Nil when deleted.
	Content []byte

	Kind ChangeKind
}

// Info is the isolation metadata for one execution.
type Info struct {
	// Path is the isolated working copy.
	Path string

	// Branch is the change-tracking branch (e.g. "crew/ab12cd34").
	Branch string

	// BaseCommit is the workspace HEAD the isolation was rooted at.
	BaseCommit string

	// ExecutionID is the owning execution.
	ExecutionID string
}

// Manager creates and destroys isolated working copies.
type Manager struct {
	scratchDir   string
	branchPrefix string
	logger       *slog.Logger
}

// NewManager creates a worktree manager. scratchDir holds the isolated
// copies; branchPrefix names tracking branches (default "crew/").
func NewManager(scratchDir, branchPrefix string, logger *slog.Logger) *Manager {
	if branchPrefix == "" {
		branchPrefix = "crew/"
	}
	return &Manager{
		scratchDir:   scratchDir,
		branchPrefix: branchPrefix,
		logger:       logger.With("component", "worktree"),
	}
}

// Create makes an isolated working copy for executionID rooted at base's
// current HEAD. The worktree is created at most once per execution.
func (m *Manager) Create(ctx context.Context, base, executionID string) (*Info, error) {
	if !isGitRepo(ctx, base) {
		return nil, fmt.Errorf("workspace %s is not a git repository", base)
	}

	head, err := m.git(ctx, base, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving workspace HEAD: %w", err)
	}

	if err := os.MkdirAll(m.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	info := &Info{
		Path:        filepath.Join(m.scratchDir, executionID),
		Branch:      m.branchPrefix + executionID,
		BaseCommit:  head,
		ExecutionID: executionID,
	}

	if _, err := m.git(ctx, base, "worktree", "add", "-b", info.Branch, info.Path, head); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}

	m.logger.Info("worktree created",
		"execution", executionID,
		"path", info.Path,
		"branch", info.Branch,
	)
	return info, nil
}

// Diff computes every file changed in the isolated copy relative to its base
// point: committed changes, uncommitted modifications to tracked files, and
// newly-created untracked files. For each path the base workspace content is
// captured (nil when the path is new there).
func (m *Manager) Diff(ctx context.Context, info *Info, base string) ([]FileChange, error) {
	// git diff against the base commit covers committed and uncommitted
	// tracked changes in one pass since it compares the working tree.
	// --no-renames keeps the output two-field: a rename arrives as a
	// delete of the old path plus an add of the new one.
	out, err := m.git(ctx, info.Path, "diff", "--name-status", "--no-renames", info.BaseCommit)
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}

	var changes []FileChange
	seen := make(map[string]bool)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		status, relPath := fields[0], fields[1]
		if seen[relPath] {
			continue
		}
		seen[relPath] = true

		change := FileChange{Path: relPath}
		switch {
		case strings.HasPrefix(status, "A"):
			change.Kind = ChangeCreated
		case strings.HasPrefix(status, "D"):
			change.Kind = ChangeDeleted
		default:
			change.Kind = ChangeModified
		}

		if change.Kind != ChangeCreated {
			if data, err := os.ReadFile(filepath.Join(base, relPath)); err == nil {
				change.Original = data
			}
		}
		if change.Kind != ChangeDeleted {
			data, err := os.ReadFile(filepath.Join(info.Path, relPath))
			if err != nil {
				m.logger.Warn("cannot read changed file", "path", relPath, "error", err)
				continue
			}
			change.Content = data
		}
		changes = append(changes, change)
	}

	// Untracked files are invisible to diff.
	untracked, err := m.git(ctx, info.Path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}
	for _, relPath := range strings.Split(untracked, "\n") {
		relPath = strings.TrimSpace(relPath)
		if relPath == "" || seen[relPath] {
			continue
		}
		seen[relPath] = true

		data, err := os.ReadFile(filepath.Join(info.Path, relPath))
		if err != nil {
			m.logger.Warn("cannot read untracked file", "path", relPath, "error", err)
			continue
		}
		change := FileChange{Path: relPath, Content: data, Kind: ChangeCreated}
		if orig, err := os.ReadFile(filepath.Join(base, relPath)); err == nil {
			// Same path exists untracked in the base workspace too.
			change.Original = orig
			change.Kind = ChangeModified
		}
		changes = append(changes, change)
	}

	return changes, nil
}

// Apply copies each change's new content over the base workspace. Idempotent:
// repeated application is last-write-wins.
func (m *Manager) Apply(changes []FileChange, base string) error {
	for _, change := range changes {
		target := filepath.Join(base, change.Path)

		if change.Kind == ChangeDeleted {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("deleting %s: %w", change.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating dir for %s: %w", change.Path, err)
		}
		if err := os.WriteFile(target, change.Content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", change.Path, err)
		}
	}
	m.logger.Info("changes applied", "files", len(changes), "workspace", base)
	return nil
}

// Remove deletes the isolated copy and its tracking branch. Tolerates the
// copy already being gone and still attempts branch removal; safe to call
// twice on the same Info.
func (m *Manager) Remove(ctx context.Context, info *Info, base string) error {
	if _, statErr := os.Stat(info.Path); statErr == nil {
		if _, err := m.git(ctx, base, "worktree", "remove", "--force", info.Path); err != nil {
			m.logger.Warn("git worktree remove failed, deleting directly",
				"path", info.Path, "error", err)
			if rmErr := os.RemoveAll(info.Path); rmErr != nil {
				return fmt.Errorf("removing worktree %s: %w", info.Path, rmErr)
			}
		}
	}

	// Branch deletion is best-effort even when the copy was already gone.
	if _, err := m.git(ctx, base, "branch", "-D", info.Branch); err != nil {
		m.logger.Debug("tracking branch removal failed", "branch", info.Branch, "error", err)
	}
	_, _ = m.git(ctx, base, "worktree", "prune")

	m.logger.Info("worktree removed", "execution", info.ExecutionID, "path", info.Path)
	return nil
}

// SweepStale removes isolation artifacts left behind by an unclean previous
// run: every directory under the scratch dir plus every branch carrying the
// isolation prefix. Best-effort; errors are logged, never returned.
func (m *Manager) SweepStale(ctx context.Context, base string) {
	entries, err := os.ReadDir(m.scratchDir)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			stale := &Info{
				Path:        filepath.Join(m.scratchDir, entry.Name()),
				Branch:      m.branchPrefix + entry.Name(),
				ExecutionID: entry.Name(),
			}
			if err := m.Remove(ctx, stale, base); err != nil {
				m.logger.Warn("stale worktree sweep failed", "path", stale.Path, "error", err)
			}
		}
	}

	if !isGitRepo(ctx, base) {
		return
	}
	out, err := m.git(ctx, base, "branch", "--list", m.branchPrefix+"*", "--format=%(refname:short)")
	if err != nil {
		return
	}
	for _, branch := range strings.Split(out, "\n") {
		branch = strings.TrimSpace(branch)
		if branch == "" {
			continue
		}
		if _, err := m.git(ctx, base, "branch", "-D", branch); err != nil {
			m.logger.Debug("stale branch removal failed", "branch", branch, "error", err)
		}
	}
	_, _ = m.git(ctx, base, "worktree", "prune")
}

// git runs one git command in dir and returns its trimmed stdout.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// isGitRepo reports whether dir is inside a git work tree.
func isGitRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}
