package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// packageJSON is the subset of package.json the detector reads.
type packageJSON struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func readPackageJSON(root string) (*packageJSON, bool) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return nil, false
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, false
	}
	return &pkg, true
}

// hasDependency checks both regular and dev dependencies.
func (p *packageJSON) hasDependency(name string) bool {
	if _, ok := p.Dependencies[name]; ok {
		return true
	}
	_, ok := p.DevDependencies[name]
	return ok
}

// pyProject is the subset of pyproject.toml the detector reads.
type pyProject struct {
	Project struct {
		Name        string `toml:"name"`
		Description string `toml:"description"`
	} `toml:"project"`
}

func readPyProject(root string) (*pyProject, bool) {
	data, err := os.ReadFile(filepath.Join(root, "pyproject.toml"))
	if err != nil {
		return nil, false
	}
	var py pyProject
	if _, err := toml.Decode(string(data), &py); err != nil {
		return nil, false
	}
	return &py, true
}

// cargoToml is the subset of Cargo.toml the detector reads.
type cargoToml struct {
	Package struct {
		Name        string `toml:"name"`
		Description string `toml:"description"`
	} `toml:"package"`
}

func readCargoToml(root string) (*cargoToml, bool) {
	data, err := os.ReadFile(filepath.Join(root, "Cargo.toml"))
	if err != nil {
		return nil, false
	}
	var cargo cargoToml
	if _, err := toml.Decode(string(data), &cargo); err != nil {
		return nil, false
	}
	return &cargo, true
}

// readGoModule returns the final path element of the module directive.
func readGoModule(root string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "module "); ok {
			path := strings.TrimSpace(after)
			if i := strings.LastIndex(path, "/"); i >= 0 {
				path = path[i+1:]
			}
			return path, path != ""
		}
	}
	return "", false
}

// readComposeFile returns the lowercased content of the first compose file
// found.
func readComposeFile(root string) (string, bool) {
	for _, name := range []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err == nil {
			return strings.ToLower(string(data)), true
		}
	}
	return "", false
}
