package gitrepo

import "time"

// Branch is one local branch of a repository.
type Branch struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// Commit is one entry of the repository log.
type Commit struct {
	SHA     string    `json:"sha"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Author identifies the committer for Commit operations.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FileStatus is one path in the working tree with its porcelain status code.
type FileStatus struct {
	Path string `json:"path"`
	Code string `json:"code"` // A added, M modified, D deleted, R renamed, ? untracked
}

// Status splits the working tree into staged and unstaged changes.
type Status struct {
	Branch   string       `json:"branch"`
	Staged   []FileStatus `json:"staged"`
	Unstaged []FileStatus `json:"unstaged"`
}

// DiffSummary lists paths changed between two refs, grouped by change kind.
type DiffSummary struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
	Renamed  []string `json:"renamed"`
}

// Repo describes one managed repository.
type Repo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"default_branch"`
}
