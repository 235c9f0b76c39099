// Package detect infers a partial sandbox configuration from the marker
// files of a repository: languages, frameworks, lifecycle commands,
// databases, and dev-server ports, plus a confidence score.
package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/sandbox"
	sbconfig "github.com/agentpod/agentpod/internal/sandbox/config"
)

// Detection is one marker-table hit.
type Detection struct {
	Indicator string `json:"indicator"`
	Kind      Kind   `json:"kind"`
	File      string `json:"file"`
}

// Result is the detector output: a partial config plus the evidence that
// produced it.
type Result struct {
	Config     *sbconfig.SandboxConfig `json:"config"`
	Confidence float64                 `json:"confidence"`
	Messages   []string                `json:"messages"`
	Detections []Detection             `json:"detections"`
}

// Detect scans a repository root and derives a partial configuration.
func Detect(root string) (*Result, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NotFound("directory", root)
	}

	res := &Result{
		Config:   &sbconfig.SandboxConfig{},
		Messages: []string{},
	}

	// Scan the flat marker table. Each rule hits at most once.
	for _, r := range rules {
		for _, name := range r.files {
			if fileExists(filepath.Join(root, name)) {
				res.Detections = append(res.Detections, Detection{
					Indicator: r.indicator,
					Kind:      r.kind,
					File:      name,
				})
				break
			}
		}
	}

	pkg, hasPkg := readPackageJSON(root)

	// Dependencies in package.json count as framework evidence too.
	if hasPkg {
		for dep, indicator := range frameworkDeps {
			if pkg.hasDependency(dep) && !res.detected(indicator) {
				res.Detections = append(res.Detections, Detection{
					Indicator: indicator,
					Kind:      KindFramework,
					File:      "package.json",
				})
			}
		}
	}

	languages := res.indicators(KindLanguage)
	frameworksFound := res.indicators(KindFramework)
	managers := res.indicators(KindPackageManager)
	tools := res.indicators(KindTool)

	for _, d := range res.Detections {
		res.Messages = append(res.Messages, fmt.Sprintf("Detected %s (%s)", d.Indicator, d.File))
	}

	res.Config.Environment.Base = decideFlavor(languages, frameworksFound, tools)
	res.Messages = append(res.Messages,
		fmt.Sprintf("Selected base environment %q", res.Config.Environment.Base))
	res.Config.Environment.Languages = sortedKeys(languages)

	fillProjectInfo(root, res.Config, pkg, hasPkg)
	fillLifecycle(res.Config, pkg, hasPkg, languages, frameworksFound, managers)
	fillPorts(res.Config, frameworksFound)

	if content, ok := readComposeFile(root); ok {
		fillServices(res, content)
	}

	res.Confidence = confidence(languages, frameworksFound, managers)
	return res, nil
}

func (r *Result) detected(indicator string) bool {
	for _, d := range r.Detections {
		if d.Indicator == indicator {
			return true
		}
	}
	return false
}

func (r *Result) indicators(kind Kind) map[string]bool {
	out := make(map[string]bool)
	for _, d := range r.Detections {
		if d.Kind == kind {
			out[d.Indicator] = true
		}
	}
	return out
}

// decideFlavor applies the base-environment decision rules in order:
// monorepo or multiple languages, fullstack framework, then per-language
// flavors, defaulting to fullstack.
func decideFlavor(languages, frameworksFound, tools map[string]bool) sandbox.Flavor {
	count := 0
	for _, family := range []string{"javascript", "python", "go", "rust"} {
		if languages[family] {
			count++
		}
	}

	monorepo := false
	for tool := range tools {
		if monorepoTools[tool] {
			monorepo = true
		}
	}
	if monorepo || count >= 2 {
		return sandbox.FlavorPolyglot
	}

	for fw := range frameworksFound {
		if fullstackFrameworks[fw] {
			return sandbox.FlavorFullstack
		}
	}

	switch {
	case languages["javascript"] || languages["typescript"]:
		return sandbox.FlavorJS
	case languages["python"]:
		return sandbox.FlavorPython
	case languages["go"]:
		return sandbox.FlavorGo
	case languages["rust"]:
		return sandbox.FlavorRust
	default:
		return sandbox.FlavorFullstack
	}
}

// fillProjectInfo extracts name and description, preferring the manifest of
// the primary ecosystem.
func fillProjectInfo(root string, cfg *sbconfig.SandboxConfig, pkg *packageJSON, hasPkg bool) {
	if hasPkg && pkg.Name != "" {
		cfg.Project.Name = pkg.Name
		cfg.Project.Description = pkg.Description
		return
	}
	if py, ok := readPyProject(root); ok && py.Project.Name != "" {
		cfg.Project.Name = py.Project.Name
		cfg.Project.Description = py.Project.Description
		return
	}
	if cargo, ok := readCargoToml(root); ok && cargo.Package.Name != "" {
		cfg.Project.Name = cargo.Package.Name
		cfg.Project.Description = cargo.Package.Description
		return
	}
	if name, ok := readGoModule(root); ok {
		cfg.Project.Name = name
	}
}

// fillLifecycle maps well-known script names onto lifecycle commands.
func fillLifecycle(cfg *sbconfig.SandboxConfig, pkg *packageJSON, hasPkg bool,
	languages, frameworksFound, managers map[string]bool) {

	if hasPkg && len(pkg.Scripts) > 0 {
		mgr := "npm"
		for _, candidate := range []string{"pnpm", "yarn", "bun"} {
			if managers[candidate] {
				mgr = candidate
				break
			}
		}

		run := func(script string) string { return mgr + " run " + script }
		if _, ok := pkg.Scripts["dev"]; ok {
			cfg.Lifecycle.Dev = run("dev")
		} else if _, ok := pkg.Scripts["start"]; ok {
			cfg.Lifecycle.Dev = run("start")
		}
		if _, ok := pkg.Scripts["build"]; ok {
			cfg.Lifecycle.Build = run("build")
		}
		if _, ok := pkg.Scripts["test"]; ok {
			cfg.Lifecycle.Test = run("test")
		}
		if _, ok := pkg.Scripts["lint"]; ok {
			cfg.Lifecycle.Lint = run("lint")
		}
		if _, ok := pkg.Scripts["format"]; ok {
			cfg.Lifecycle.Format = run("format")
		}
		return
	}

	switch {
	case languages["go"]:
		cfg.Lifecycle.Dev = "go run ."
		cfg.Lifecycle.Build = "go build ./..."
		cfg.Lifecycle.Test = "go test ./..."
	case languages["rust"]:
		cfg.Lifecycle.Dev = "cargo run"
		cfg.Lifecycle.Build = "cargo build"
		cfg.Lifecycle.Test = "cargo test"
	case frameworksFound["django"]:
		cfg.Lifecycle.Dev = "python manage.py runserver 0.0.0.0:8000"
	}
}

// fillPorts declares the default dev-server port of each detected
// framework as public.
func fillPorts(cfg *sbconfig.SandboxConfig, frameworksFound map[string]bool) {
	for _, fw := range sortedKeys(frameworksFound) {
		meta, ok := frameworks[fw]
		if !ok || meta.devPort == 0 {
			continue
		}
		key := strconv.Itoa(meta.devPort)
		if cfg.Ports == nil {
			cfg.Ports = make(map[string]sbconfig.PortConfig)
		}
		if _, exists := cfg.Ports[key]; !exists {
			cfg.Ports[key] = sbconfig.PortConfig{
				Label:  meta.display + " Dev Server",
				Public: true,
			}
		}
	}
}

// fillServices toggles in-container databases found in a compose file.
func fillServices(res *Result, composeContent string) {
	for keyword, service := range composeServices {
		if !strings.Contains(composeContent, keyword) {
			continue
		}
		switch service {
		case "postgres":
			res.Config.Services.Postgres = true
		case "mysql":
			res.Config.Services.MySQL = true
		case "redis":
			res.Config.Services.Redis = true
		case "mongodb":
			res.Config.Services.MongoDB = true
		}
		res.Messages = append(res.Messages,
			fmt.Sprintf("Detected %s service in compose file", service))
	}
}

// confidence starts at 0.5 and grows with evidence, capped at 1.0.
func confidence(languages, frameworksFound, managers map[string]bool) float64 {
	score := 0.5
	if len(languages) > 0 {
		score += 0.2
	}
	if len(frameworksFound) > 0 {
		score += 0.15
	}
	if len(managers) > 0 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
