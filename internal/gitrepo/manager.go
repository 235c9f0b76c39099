// Package gitrepo manages the per-sandbox git repositories under the data
// root. All operations shell out to the git CLI; operations on the same
// repository are serialized by a per-repo mutex. The repository directory
// is bind-mounted into the sandbox, so the manager never edits working-tree
// files directly, only through git.
package gitrepo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/common/logger"
)

// Manager owns the repository directory tree.
type Manager struct {
	baseDir string
	log     *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a Manager rooted at baseDir, creating the directory if
// needed.
func NewManager(baseDir string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating repos directory: %w", err)
	}

	return &Manager{
		baseDir:   baseDir,
		log:       log.WithFields(zap.String("component", "gitrepo")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// lock returns the mutex serializing operations on one repository.
func (m *Manager) lock(name string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if l, ok := m.repoLocks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.repoLocks[name] = l
	return l
}

// Path returns the on-disk path of a named repository.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.baseDir, name)
}

// Exists reports whether a named repository is present and is a git repo.
func (m *Manager) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(m.Path(name), ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// Create initializes an empty repository with the given default branch and
// an initial empty commit, so branch listing and log work immediately.
func (m *Manager) Create(ctx context.Context, name, defaultBranch string) (*Repo, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}

	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	path := m.Path(name)
	if m.Exists(name) {
		return nil, apperrors.Conflict(fmt.Sprintf("repository '%s' already exists", name))
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, apperrors.Runtime("creating repository directory", err)
	}

	if _, err := m.git(ctx, path, "init", "--initial-branch", defaultBranch); err != nil {
		return nil, err
	}
	if _, err := m.git(ctx, path,
		"-c", "user.name=AgentPod",
		"-c", "user.email=agentpod@localhost",
		"commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return nil, err
	}

	m.log.Info("Created repository",
		zap.String("repo", name),
		zap.String("branch", defaultBranch))

	return &Repo{Name: name, Path: path, DefaultBranch: defaultBranch}, nil
}

// Clone performs a shallow clone (depth 1) of url into a named repository.
// Failures map to AuthRequired, NotFound, or Network errors.
func (m *Manager) Clone(ctx context.Context, url, name string) (*Repo, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	path := m.Path(name)
	if m.Exists(name) {
		return nil, apperrors.Conflict(fmt.Sprintf("repository '%s' already exists", name))
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, path)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		// A failed clone can leave a partial directory behind.
		_ = os.RemoveAll(path)
		return nil, classifyCloneError(url, string(output), err)
	}

	branch := "main"
	if out, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		branch = strings.TrimSpace(out)
	}

	m.log.Info("Cloned repository",
		zap.String("repo", name),
		zap.String("url", url),
		zap.String("branch", branch))

	return &Repo{Name: name, Path: path, DefaultBranch: branch}, nil
}

// Delete removes a repository directory entirely.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(m.Path(name)); err != nil {
		return apperrors.Runtime("removing repository directory", err)
	}
	m.log.Info("Deleted repository", zap.String("repo", name))
	return nil
}

// ListBranches returns all local branches, marking the checked-out one.
func (m *Manager) ListBranches(ctx context.Context, name string) ([]Branch, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return nil, apperrors.NotFound("repository", name)
	}
	path := m.Path(name)

	current := ""
	if out, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		current = strings.TrimSpace(out)
	}

	out, err := m.git(ctx, path, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}

	var branches []Branch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		branches = append(branches, Branch{Name: line, Current: line == current})
	}
	return branches, nil
}

// CreateBranch creates a branch at fromRef (HEAD when empty).
func (m *Manager) CreateBranch(ctx context.Context, name, branch, fromRef string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return apperrors.NotFound("repository", name)
	}

	args := []string{"branch", branch}
	if fromRef != "" {
		args = append(args, fromRef)
	}
	_, err := m.git(ctx, m.Path(name), args...)
	return err
}

// Checkout switches the working tree to a branch.
func (m *Manager) Checkout(ctx context.Context, name, branch string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return apperrors.NotFound("repository", name)
	}
	_, err := m.git(ctx, m.Path(name), "checkout", branch)
	return err
}

// DeleteBranch removes a branch. The checked-out branch is refused.
func (m *Manager) DeleteBranch(ctx context.Context, name, branch string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return apperrors.NotFound("repository", name)
	}
	path := m.Path(name)

	if out, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if strings.TrimSpace(out) == branch {
			return apperrors.Conflict(fmt.Sprintf("branch '%s' is checked out", branch))
		}
	}

	_, err := m.git(ctx, path, "branch", "-D", branch)
	return err
}

// Status returns staged and unstaged paths from git status --porcelain.
func (m *Manager) Status(ctx context.Context, name string) (*Status, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return nil, apperrors.NotFound("repository", name)
	}
	path := m.Path(name)

	out, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	status := parsePorcelain(out)

	if branch, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(branch)
	}
	return status, nil
}

// Log returns up to limit commits, newest first.
func (m *Manager) Log(ctx context.Context, name string, limit int) ([]Commit, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return nil, apperrors.NotFound("repository", name)
	}
	if limit <= 0 {
		limit = 50
	}

	out, err := m.git(ctx, m.Path(name),
		"log", "--format=%H%x1f%an%x1f%ae%x1f%at%x1f%s", "-n", strconv.Itoa(limit))
	if err != nil {
		// A repository without commits has no HEAD to log.
		if strings.Contains(err.Error(), "does not have any commits") {
			return []Commit{}, nil
		}
		return nil, err
	}
	return parseLog(out), nil
}

// Commit stages all changes and commits them as the given author. Returns
// the new commit SHA. Committing with a clean tree is a Conflict.
func (m *Manager) Commit(ctx context.Context, name, message string, author Author) (string, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return "", apperrors.NotFound("repository", name)
	}
	path := m.Path(name)

	if _, err := m.git(ctx, path, "add", "-A"); err != nil {
		return "", err
	}

	if author.Name == "" {
		author.Name = "AgentPod"
	}
	if author.Email == "" {
		author.Email = "agentpod@localhost"
	}

	_, err := m.git(ctx, path,
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return "", apperrors.Conflict("nothing to commit")
		}
		return "", err
	}

	sha, err := m.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	sha = strings.TrimSpace(sha)

	m.log.Info("Committed changes",
		zap.String("repo", name),
		zap.String("sha", sha))
	return sha, nil
}

// DiffSummary lists changed paths between two refs. With both refs empty it
// diffs the working tree against HEAD.
func (m *Manager) DiffSummary(ctx context.Context, name, fromRef, toRef string) (*DiffSummary, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return nil, apperrors.NotFound("repository", name)
	}

	args := []string{"diff", "--name-status", "--find-renames"}
	args = append(args, diffRefs(fromRef, toRef)...)

	out, err := m.git(ctx, m.Path(name), args...)
	if err != nil {
		return nil, err
	}
	return parseDiffSummary(out), nil
}

// FileDiff returns the unified diff of one path between two refs.
func (m *Manager) FileDiff(ctx context.Context, name, path, fromRef, toRef string) (string, error) {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return "", apperrors.NotFound("repository", name)
	}

	args := []string{"diff"}
	args = append(args, diffRefs(fromRef, toRef)...)
	args = append(args, "--", path)

	return m.git(ctx, m.Path(name), args...)
}

// AddRemote registers a named remote.
func (m *Manager) AddRemote(ctx context.Context, name, remote, url string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return apperrors.NotFound("repository", name)
	}
	_, err := m.git(ctx, m.Path(name), "remote", "add", remote, url)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return apperrors.Conflict(fmt.Sprintf("remote '%s' already exists", remote))
	}
	return err
}

// Push pushes a branch to a remote. Network and auth failures map to typed
// errors so callers can degrade gracefully.
func (m *Manager) Push(ctx context.Context, name, remote, branch string) error {
	return m.sync(ctx, name, "push", remote, branch)
}

// Pull pulls a branch from a remote.
func (m *Manager) Pull(ctx context.Context, name, remote, branch string) error {
	return m.sync(ctx, name, "pull", remote, branch)
}

func (m *Manager) sync(ctx context.Context, name, verb, remote, branch string) error {
	l := m.lock(name)
	l.Lock()
	defer l.Unlock()

	if !m.Exists(name) {
		return apperrors.NotFound("repository", name)
	}
	if remote == "" {
		remote = "origin"
	}

	args := []string{verb, remote}
	if branch != "" {
		args = append(args, branch)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.Path(name)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return classifyCloneError(remote, string(output), err)
	}
	return nil
}

// git runs one git command inside dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", apperrors.Timeout(fmt.Sprintf("git %s timed out", args[0]))
		}
		trimmed := strings.TrimSpace(string(output))
		m.log.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("output", trimmed))
		return "", apperrors.Runtime(fmt.Sprintf("git %s: %s", args[0], trimmed), err)
	}
	return string(output), nil
}

// validateName rejects repository names that could escape the base dir.
func validateName(name string) error {
	if name == "" {
		return apperrors.Invalid("name", "repository name is required")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return apperrors.Invalid("name", "repository name must not contain path separators")
	}
	return nil
}

func diffRefs(fromRef, toRef string) []string {
	switch {
	case fromRef != "" && toRef != "":
		return []string{fromRef, toRef}
	case fromRef != "":
		return []string{fromRef}
	case toRef != "":
		return []string{"HEAD", toRef}
	default:
		return []string{"HEAD"}
	}
}

// classifyCloneError maps git transport failures onto typed errors by
// scanning the CLI output.
func classifyCloneError(target, output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "terminal prompts disabled"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "401"):
		return apperrors.AuthRequired(fmt.Sprintf("authentication required for %s", target))
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "404"),
		strings.Contains(lower, "does not appear to be a git repository"):
		return apperrors.NotFound("repository", target)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "network is unreachable"),
		strings.Contains(lower, "operation timed out"):
		return apperrors.Network(fmt.Sprintf("cannot reach %s", target), err)
	default:
		return apperrors.Runtime(fmt.Sprintf("git failed: %s", strings.TrimSpace(output)), err)
	}
}

// parsePorcelain splits `git status --porcelain` output into staged and
// unstaged lists. Column one is the index status, column two the worktree.
func parsePorcelain(out string) *Status {
	status := &Status{Staged: []FileStatus{}, Unstaged: []FileStatus{}}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		index, worktree := line[0], line[1]
		path := strings.TrimSpace(line[3:])

		// Renames are reported as "old -> new"; keep the new path.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}

		if index == '?' && worktree == '?' {
			status.Unstaged = append(status.Unstaged, FileStatus{Path: path, Code: "?"})
			continue
		}
		if index != ' ' {
			status.Staged = append(status.Staged, FileStatus{Path: path, Code: string(index)})
		}
		if worktree != ' ' {
			status.Unstaged = append(status.Unstaged, FileStatus{Path: path, Code: string(worktree)})
		}
	}
	return status
}

// parseLog parses the unit-separated log format emitted by Log.
func parseLog(out string) []Commit {
	commits := []Commit{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 5 {
			continue
		}
		commit := Commit{
			SHA:     parts[0],
			Author:  parts[1],
			Email:   parts[2],
			Message: parts[4],
		}
		if epoch, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			commit.Time = time.Unix(epoch, 0).UTC()
		}
		commits = append(commits, commit)
	}
	return commits
}

// parseDiffSummary parses `git diff --name-status` output.
func parseDiffSummary(out string) *DiffSummary {
	summary := &DiffSummary{
		Added:    []string{},
		Modified: []string{},
		Deleted:  []string{},
		Renamed:  []string{},
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		switch fields[0][0] {
		case 'A':
			summary.Added = append(summary.Added, fields[1])
		case 'M':
			summary.Modified = append(summary.Modified, fields[1])
		case 'D':
			summary.Deleted = append(summary.Deleted, fields[1])
		case 'R':
			// Rename rows carry "Rxx<TAB>old<TAB>new".
			if len(fields) >= 3 {
				summary.Renamed = append(summary.Renamed, fields[2])
			} else {
				summary.Renamed = append(summary.Renamed, fields[1])
			}
		}
	}
	return summary
}
