package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/sandbox"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestDetectMissingDirectory(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDetectEmptyDirectoryDefaultsToFullstack(t *testing.T) {
	res, err := Detect(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, sandbox.FlavorFullstack, res.Config.Environment.Base)
	assert.Empty(t, res.Detections)
	assert.InDelta(t, 0.5, res.Confidence, 0.001)
}

func TestDetectNextProject(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"package.json": `{
			"name": "storefront",
			"description": "Demo shop",
			"scripts": {"dev": "next dev", "build": "next build", "test": "jest", "lint": "eslint ."},
			"dependencies": {"next": "14.0.0", "react": "18.0.0"}
		}`,
		"next.config.js":    "module.exports = {}",
		"pnpm-lock.yaml":    "",
		"tsconfig.json":     "{}",
		"docker-compose.yml": "services:\n  db:\n    image: postgres:16\n  cache:\n    image: redis:7\n",
	})

	res, err := Detect(root)
	require.NoError(t, err)

	assert.Equal(t, sandbox.FlavorFullstack, res.Config.Environment.Base)
	assert.Equal(t, "storefront", res.Config.Project.Name)
	assert.Equal(t, "Demo shop", res.Config.Project.Description)
	assert.Equal(t, []string{"javascript", "typescript"}, res.Config.Environment.Languages)

	assert.Equal(t, "pnpm run dev", res.Config.Lifecycle.Dev)
	assert.Equal(t, "pnpm run build", res.Config.Lifecycle.Build)
	assert.Equal(t, "pnpm run test", res.Config.Lifecycle.Test)
	assert.Equal(t, "pnpm run lint", res.Config.Lifecycle.Lint)

	port, ok := res.Config.Ports["3000"]
	require.True(t, ok)
	assert.True(t, port.Public)

	assert.True(t, res.Config.Services.Postgres)
	assert.True(t, res.Config.Services.Redis)
	assert.False(t, res.Config.Services.MySQL)

	assert.InDelta(t, 0.95, res.Confidence, 0.001)
}

func TestDetectFrameworkFromDependencyOnly(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"package.json": `{"name": "app", "dependencies": {"vite": "5.0.0"}}`,
	})
	res, err := Detect(root)
	require.NoError(t, err)

	assert.Equal(t, sandbox.FlavorFullstack, res.Config.Environment.Base)
	found := false
	for _, d := range res.Detections {
		if d.Indicator == "vite" {
			found = true
			assert.Equal(t, "package.json", d.File)
		}
	}
	assert.True(t, found)
}

func TestDetectGoProject(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"go.mod": "module github.com/acme/widget\n\ngo 1.22\n",
	})
	res, err := Detect(root)
	require.NoError(t, err)

	assert.Equal(t, sandbox.FlavorGo, res.Config.Environment.Base)
	assert.Equal(t, "widget", res.Config.Project.Name)
	assert.Equal(t, "go run .", res.Config.Lifecycle.Dev)
	assert.Equal(t, "go test ./...", res.Config.Lifecycle.Test)
}

func TestDetectPythonDjango(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"pyproject.toml": "[project]\nname = \"api\"\ndescription = \"Backend\"\n",
		"manage.py":      "#!/usr/bin/env python\n",
	})
	res, err := Detect(root)
	require.NoError(t, err)

	assert.Equal(t, sandbox.FlavorPython, res.Config.Environment.Base)
	assert.Equal(t, "api", res.Config.Project.Name)
	assert.Equal(t, "python manage.py runserver 0.0.0.0:8000", res.Config.Lifecycle.Dev)
	_, ok := res.Config.Ports["8000"]
	assert.True(t, ok)
}

func TestDetectRustProject(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"Cargo.toml": "[package]\nname = \"cli\"\ndescription = \"A tool\"\n",
		"Cargo.lock": "",
	})
	res, err := Detect(root)
	require.NoError(t, err)

	assert.Equal(t, sandbox.FlavorRust, res.Config.Environment.Base)
	assert.Equal(t, "cli", res.Config.Project.Name)
	assert.Equal(t, "cargo build", res.Config.Lifecycle.Build)
}

func TestDetectMultipleLanguagesIsPolyglot(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"package.json": `{"name": "mono"}`,
		"go.mod":       "module example.com/mono\n",
	})
	res, err := Detect(root)
	require.NoError(t, err)
	assert.Equal(t, sandbox.FlavorPolyglot, res.Config.Environment.Base)
}

func TestDetectMonorepoToolIsPolyglot(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"package.json": `{"name": "workspace"}`,
		"turbo.json":   "{}",
	})
	res, err := Detect(root)
	require.NoError(t, err)
	assert.Equal(t, sandbox.FlavorPolyglot, res.Config.Environment.Base)
}
