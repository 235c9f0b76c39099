// Package config defines the declarative sandbox configuration schema and
// its TOML parser. The parsed, validated SandboxConfig is the single
// representation of user intent; downstream components never re-read the
// raw text.
package config

import (
	"github.com/agentpod/agentpod/internal/sandbox"
)

// Recognized configuration file names, in discovery order.
var FileNames = []string{"agentpod.toml", ".agentpod.toml", "agentpod.config.toml"}

// MaxFileSize caps accepted configuration files at 500 KiB.
const MaxFileSize = 500 * 1024

// SandboxConfig is the full declarative configuration of one sandbox.
type SandboxConfig struct {
	Project     ProjectConfig         `toml:"project" json:"project"`
	Environment EnvironmentConfig     `toml:"environment,omitempty" json:"environment"`
	Services    ServicesConfig        `toml:"services,omitempty" json:"services"`
	Ports       map[string]PortConfig `toml:"ports,omitempty" json:"ports,omitempty"`
	Resources   ResourcesConfig       `toml:"resources,omitempty" json:"resources"`
	Addons      AddonsConfig          `toml:"addons,omitempty" json:"addons"`
	Lifecycle   LifecycleConfig       `toml:"lifecycle,omitempty" json:"lifecycle"`
	Git         GitConfig             `toml:"git,omitempty" json:"git"`
	Agent       AgentConfig           `toml:"agent,omitempty" json:"agent"`
}

// ProjectConfig names and describes the project.
type ProjectConfig struct {
	Name        string `toml:"name" json:"name"`
	Description string `toml:"description,omitempty" json:"description,omitempty"`
}

// EnvironmentConfig selects the image flavor and toolchain extras.
type EnvironmentConfig struct {
	Base      sandbox.Flavor    `toml:"base,omitempty" json:"base"`
	Languages []string          `toml:"languages,omitempty" json:"languages,omitempty"`
	Packages  []string          `toml:"packages,omitempty" json:"packages,omitempty"`
	Variables map[string]string `toml:"variables,omitempty" json:"variables,omitempty"`
}

// ServicesConfig toggles in-container databases.
type ServicesConfig struct {
	Postgres bool `toml:"postgres,omitempty" json:"postgres,omitempty"`
	MySQL    bool `toml:"mysql,omitempty" json:"mysql,omitempty"`
	Redis    bool `toml:"redis,omitempty" json:"redis,omitempty"`
	MongoDB  bool `toml:"mongodb,omitempty" json:"mongodb,omitempty"`
	SQLite   bool `toml:"sqlite,omitempty" json:"sqlite,omitempty"`
}

// Enabled returns the names of all enabled services.
func (s ServicesConfig) Enabled() []string {
	var out []string
	if s.Postgres {
		out = append(out, "postgres")
	}
	if s.MySQL {
		out = append(out, "mysql")
	}
	if s.Redis {
		out = append(out, "redis")
	}
	if s.MongoDB {
		out = append(out, "mongodb")
	}
	if s.SQLite {
		out = append(out, "sqlite")
	}
	return out
}

// PortConfig declares one container port. The map key is the decimal port
// number.
type PortConfig struct {
	Label    string `toml:"label,omitempty" json:"label,omitempty"`
	Public   bool   `toml:"public,omitempty" json:"public,omitempty"`
	Protocol string `toml:"protocol,omitempty" json:"protocol,omitempty"`
}

// ResourcesConfig selects a tier with optional per-resource overrides.
type ResourcesConfig struct {
	Tier      sandbox.Tier `toml:"tier,omitempty" json:"tier"`
	CPUCores  float64      `toml:"cpuCores,omitempty" json:"cpuCores,omitempty"`
	MemoryGB  float64      `toml:"memoryGb,omitempty" json:"memoryGb,omitempty"`
	StorageGB int          `toml:"storageGb,omitempty" json:"storageGb,omitempty"`
}

// AddonsConfig toggles optional capabilities.
type AddonsConfig struct {
	CodeServer bool `toml:"code-server,omitempty" json:"code-server,omitempty"`
	GUI        bool `toml:"gui,omitempty" json:"gui,omitempty"`
	GPU        bool `toml:"gpu,omitempty" json:"gpu,omitempty"`
	Databases  bool `toml:"databases,omitempty" json:"databases,omitempty"`
	Cloud      bool `toml:"cloud,omitempty" json:"cloud,omitempty"`
}

// Enabled returns the enabled addons in catalog order.
func (a AddonsConfig) Enabled() []sandbox.Addon {
	var out []sandbox.Addon
	if a.CodeServer {
		out = append(out, sandbox.AddonCodeServer)
	}
	if a.GUI {
		out = append(out, sandbox.AddonGUI)
	}
	if a.GPU {
		out = append(out, sandbox.AddonGPU)
	}
	if a.Databases {
		out = append(out, sandbox.AddonDatabases)
	}
	if a.Cloud {
		out = append(out, sandbox.AddonCloud)
	}
	return out
}

// LifecycleConfig holds the project's shell command hooks.
type LifecycleConfig struct {
	Init   string `toml:"init,omitempty" json:"init,omitempty"`
	Setup  string `toml:"setup,omitempty" json:"setup,omitempty"`
	Dev    string `toml:"dev,omitempty" json:"dev,omitempty"`
	Build  string `toml:"build,omitempty" json:"build,omitempty"`
	Test   string `toml:"test,omitempty" json:"test,omitempty"`
	Lint   string `toml:"lint,omitempty" json:"lint,omitempty"`
	Format string `toml:"format,omitempty" json:"format,omitempty"`
}

// GitConfig holds repository defaults and the in-container git identity.
type GitConfig struct {
	DefaultBranch string `toml:"defaultBranch,omitempty" json:"defaultBranch"`
	UserName      string `toml:"userName,omitempty" json:"userName,omitempty"`
	UserEmail     string `toml:"userEmail,omitempty" json:"userEmail,omitempty"`
	AutoCommit    bool   `toml:"autoCommit,omitempty" json:"autoCommit"`
}

// AgentConfig tunes the in-container coding agent.
type AgentConfig struct {
	Provider    string            `toml:"provider,omitempty" json:"provider,omitempty"`
	Model       string            `toml:"model,omitempty" json:"model,omitempty"`
	AutoApprove AutoApproveConfig `toml:"autoApprove,omitempty" json:"autoApprove"`
	AgentsMD    string            `toml:"agentsMd,omitempty" json:"agentsMd,omitempty"`
}

// AutoApproveConfig grants the agent unattended permissions. All default
// to false.
type AutoApproveConfig struct {
	Read    bool `toml:"read,omitempty" json:"read"`
	Write   bool `toml:"write,omitempty" json:"write"`
	Execute bool `toml:"execute,omitempty" json:"execute"`
}
