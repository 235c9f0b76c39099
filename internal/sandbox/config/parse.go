package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/agentpod/agentpod/internal/sandbox"
)

// Issue is one validation failure, pointing at the offending key.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ParseResult is the outcome of parsing and validating a configuration.
// Config is set whenever the text decoded, even if validation failed.
type ParseResult struct {
	Valid    bool           `json:"valid"`
	Config   *SandboxConfig `json:"config,omitempty"`
	Errors   []Issue        `json:"errors"`
	Warnings []string       `json:"warnings"`
}

// Parse decodes TOML text, fills defaults, and validates. Syntax errors
// yield a single issue with an empty path.
func Parse(data []byte) *ParseResult {
	res := &ParseResult{Errors: []Issue{}, Warnings: []string{}}

	if len(data) > MaxFileSize {
		res.Errors = append(res.Errors, Issue{
			Message: fmt.Sprintf("configuration exceeds %d KiB", MaxFileSize/1024),
		})
		return res
	}
	if !utf8.Valid(data) {
		res.Errors = append(res.Errors, Issue{Message: "configuration is not valid UTF-8"})
		return res
	}

	var cfg SandboxConfig
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		res.Errors = append(res.Errors, Issue{Message: fmt.Sprintf("parse error: %v", err)})
		return res
	}
	for _, key := range md.Undecoded() {
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown key %q ignored", key.String()))
	}

	ApplyDefaults(&cfg)
	res.Config = &cfg
	res.Errors = append(res.Errors, Validate(&cfg)...)
	res.Warnings = append(res.Warnings, Warnings(&cfg)...)
	res.Valid = len(res.Errors) == 0
	return res
}

// Discover returns the first recognized config file in dir.
func Discover(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// LoadDir discovers and parses the configuration in a repository root.
// Returns (nil, "") when no config file exists; the caller falls back to
// defaults or auto-detection.
func LoadDir(dir string) (*ParseResult, string, error) {
	path, ok := Discover(dir)
	if !ok {
		return nil, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data), filepath.Base(path), nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *SandboxConfig) {
	if cfg.Environment.Base == "" {
		cfg.Environment.Base = sandbox.DefaultFlavor
	}
	if cfg.Resources.Tier == "" {
		cfg.Resources.Tier = sandbox.DefaultTier
	}
	if cfg.Git.DefaultBranch == "" {
		cfg.Git.DefaultBranch = "main"
	}
	for key, pc := range cfg.Ports {
		if pc.Protocol == "" {
			pc.Protocol = "http"
			cfg.Ports[key] = pc
		}
	}
}

// Validate checks a complete configuration, including required fields.
func Validate(cfg *SandboxConfig) []Issue {
	issues := []Issue{}
	if strings.TrimSpace(cfg.Project.Name) == "" {
		issues = append(issues, Issue{Path: "project.name", Message: "project.name is required"})
	}
	return append(issues, ValidatePartial(cfg)...)
}

// ValidatePartial checks only the fields that are present, for overlay
// fragments where required fields may legitimately be absent.
func ValidatePartial(cfg *SandboxConfig) []Issue {
	issues := []Issue{}

	if cfg.Environment.Base != "" && !cfg.Environment.Base.Valid() {
		issues = append(issues, Issue{
			Path:    "environment.base",
			Message: fmt.Sprintf("unknown flavor %q (valid: %s)", cfg.Environment.Base, joinFlavors()),
		})
	}

	if cfg.Resources.Tier != "" && !cfg.Resources.Tier.Valid() {
		issues = append(issues, Issue{
			Path:    "resources.tier",
			Message: fmt.Sprintf("unknown tier %q (valid: %s)", cfg.Resources.Tier, joinTiers()),
		})
	}

	max := sandbox.MaxLimits()
	if cfg.Resources.CPUCores < 0 {
		issues = append(issues, Issue{Path: "resources.cpuCores", Message: "cpuCores must not be negative"})
	} else if cfg.Resources.CPUCores > max.CPUCores {
		issues = append(issues, Issue{
			Path:    "resources.cpuCores",
			Message: fmt.Sprintf("cpuCores exceeds the maximum of %g", max.CPUCores),
		})
	}
	if cfg.Resources.MemoryGB < 0 {
		issues = append(issues, Issue{Path: "resources.memoryGb", Message: "memoryGb must not be negative"})
	} else if cfg.Resources.MemoryGB > max.MemoryGB {
		issues = append(issues, Issue{
			Path:    "resources.memoryGb",
			Message: fmt.Sprintf("memoryGb exceeds the maximum of %g", max.MemoryGB),
		})
	}
	if cfg.Resources.StorageGB < 0 {
		issues = append(issues, Issue{Path: "resources.storageGb", Message: "storageGb must not be negative"})
	} else if cfg.Resources.StorageGB > max.StorageGB {
		issues = append(issues, Issue{
			Path:    "resources.storageGb",
			Message: fmt.Sprintf("storageGb exceeds the maximum of %d", max.StorageGB),
		})
	}

	for key := range cfg.Ports {
		port, err := strconv.Atoi(key)
		if err != nil || port < 1 || port > 65535 {
			issues = append(issues, Issue{
				Path:    "ports." + key,
				Message: "port must be a decimal number between 1 and 65535",
			})
		}
	}

	return issues
}

// Warnings returns non-fatal advisories for a defaulted configuration.
func Warnings(cfg *SandboxConfig) []string {
	var warnings []string

	if strings.TrimSpace(cfg.Project.Description) == "" {
		warnings = append(warnings, "project.description is empty; a description improves agent context")
	}
	if cfg.Resources.Tier == sandbox.TierPower {
		warnings = append(warnings, "resources.tier \"power\" reserves significant host resources")
	}
	if cfg.Addons.GPU && (cfg.Resources.Tier == sandbox.TierStarter || cfg.Resources.Tier == sandbox.TierBuilder) {
		warnings = append(warnings, fmt.Sprintf(
			"addons.gpu with tier %q is unlikely to have enough memory; consider \"creator\" or \"power\"",
			cfg.Resources.Tier))
	}
	if strings.TrimSpace(cfg.Lifecycle.Dev) == "" {
		warnings = append(warnings, "lifecycle.dev is not set; the dev server cannot be started automatically")
	}
	if cfg.Agent.AutoApprove.Execute {
		warnings = append(warnings, "agent.autoApprove.execute grants unattended command execution")
	}

	return warnings
}

// Serialize renders a configuration back to TOML. Parse(Serialize(c))
// round-trips to an equal config.
func Serialize(cfg *SandboxConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func joinFlavors() string {
	names := make([]string, 0, len(sandbox.Flavors()))
	for _, f := range sandbox.Flavors() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func joinTiers() string {
	names := make([]string, 0, len(sandbox.Tiers()))
	for _, t := range sandbox.Tiers() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
