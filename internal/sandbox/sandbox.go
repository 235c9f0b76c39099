// Package sandbox defines the core domain model: the sandbox record, its
// lifecycle states, and the transition rules the orchestrator enforces.
package sandbox

import (
	"time"
)

// PortMapping describes one container port and how it is exposed.
type PortMapping struct {
	Container int    `json:"container"`
	Label     string `json:"label,omitempty"`
	Public    bool   `json:"public"`
	Protocol  string `json:"protocol,omitempty"` // tcp (default) or udp
}

// Mount describes a bind mount into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ResourceLimits are the effective limits applied to the container.
type ResourceLimits struct {
	CPUCores  float64 `json:"cpu_cores"`
	MemoryGB  float64 `json:"memory_gb"`
	StorageGB int     `json:"storage_gb"`
}

// Sandbox is one user-owned, container-backed development environment.
//
// ContainerID is empty unless State is one of the container-holding states
// (starting, running, stopping, paused). Slug is unique per user.
type Sandbox struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	Name        string            `json:"name"`
	UserID      string            `json:"user_id"`
	State       State             `json:"state"`
	ContainerID string            `json:"container_id,omitempty"`
	Image       string            `json:"image"`
	Flavor      string            `json:"flavor"`
	Tier        string            `json:"tier"`
	Resources   ResourceLimits    `json:"resources"`
	Ports       []PortMapping     `json:"ports"`
	Mounts      []Mount           `json:"mounts"`
	Labels      map[string]string `json:"labels,omitempty"`
	Network     string            `json:"network"`
	Command     []string          `json:"command,omitempty"`
	RepoName    string            `json:"repo_name"`
	ConfigTOML  string            `json:"-"` // declarative source of truth, kept for restarts
	LastError   string            `json:"last_error,omitempty"`
	LastActive  time.Time         `json:"last_active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// HasContainer reports whether the sandbox should currently own a container.
func (s *Sandbox) HasContainer() bool {
	return s.State.HoldsContainer()
}

// Touch records recent interactive activity, used by idle auto-stop.
func (s *Sandbox) Touch(now time.Time) {
	s.LastActive = now
}
