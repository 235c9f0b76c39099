package detect

// Kind classifies what a marker file indicates.
type Kind string

const (
	KindLanguage       Kind = "language"
	KindFramework      Kind = "framework"
	KindPackageManager Kind = "packageManager"
	KindDatabase       Kind = "database"
	KindTool           Kind = "tool"
)

// rule maps marker files to one indicator. First matching file wins; a rule
// contributes at most one detection.
type rule struct {
	files     []string
	indicator string
	kind      Kind
}

// rules is the flat detection table, scanned in order.
var rules = []rule{
	// Languages
	{[]string{"package.json"}, "javascript", KindLanguage},
	{[]string{"tsconfig.json"}, "typescript", KindLanguage},
	{[]string{"pyproject.toml", "requirements.txt", "Pipfile", "setup.py"}, "python", KindLanguage},
	{[]string{"go.mod"}, "go", KindLanguage},
	{[]string{"Cargo.toml"}, "rust", KindLanguage},

	// Frameworks
	{[]string{"next.config.js", "next.config.mjs", "next.config.ts"}, "nextjs", KindFramework},
	{[]string{"nuxt.config.js", "nuxt.config.ts"}, "nuxt", KindFramework},
	{[]string{"remix.config.js", "remix.config.ts"}, "remix", KindFramework},
	{[]string{"svelte.config.js", "svelte.config.ts"}, "svelte", KindFramework},
	{[]string{"astro.config.mjs", "astro.config.ts", "astro.config.js"}, "astro", KindFramework},
	{[]string{"vite.config.js", "vite.config.ts", "vite.config.mjs", "vite.config.mts"}, "vite", KindFramework},
	{[]string{"angular.json"}, "angular", KindFramework},
	{[]string{"manage.py"}, "django", KindFramework},

	// Package managers
	{[]string{"pnpm-lock.yaml"}, "pnpm", KindPackageManager},
	{[]string{"yarn.lock"}, "yarn", KindPackageManager},
	{[]string{"bun.lockb", "bun.lock"}, "bun", KindPackageManager},
	{[]string{"package-lock.json"}, "npm", KindPackageManager},
	{[]string{"poetry.lock"}, "poetry", KindPackageManager},
	{[]string{"uv.lock"}, "uv", KindPackageManager},
	{[]string{"Cargo.lock"}, "cargo", KindPackageManager},

	// Tools
	{[]string{"turbo.json"}, "turborepo", KindTool},
	{[]string{"lerna.json"}, "lerna", KindTool},
	{[]string{"nx.json"}, "nx", KindTool},
	{[]string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}, "compose", KindTool},
	{[]string{"Makefile"}, "make", KindTool},
}

// monorepoTools force the polyglot flavor.
var monorepoTools = map[string]bool{
	"turborepo": true,
	"lerna":     true,
	"nx":        true,
}

// fullstackFrameworks force the fullstack flavor.
var fullstackFrameworks = map[string]bool{
	"nextjs": true,
	"nuxt":   true,
	"remix":  true,
	"svelte": true,
	"astro":  true,
	"vite":   true,
}

// frameworkMeta carries the display name and default dev-server port of a
// framework indicator.
type frameworkMeta struct {
	display string
	devPort int
}

var frameworks = map[string]frameworkMeta{
	"nextjs":  {display: "Next.js", devPort: 3000},
	"nuxt":    {display: "Nuxt", devPort: 3000},
	"remix":   {display: "Remix", devPort: 3000},
	"svelte":  {display: "Svelte", devPort: 5173},
	"astro":   {display: "Astro", devPort: 4321},
	"vite":    {display: "Vite", devPort: 5173},
	"angular": {display: "Angular", devPort: 4200},
	"django":  {display: "Django", devPort: 8000},
}

// frameworkDeps supplements file markers: a dependency in package.json also
// counts as a framework detection.
var frameworkDeps = map[string]string{
	"next":             "nextjs",
	"nuxt":             "nuxt",
	"@remix-run/react": "remix",
	"svelte":           "svelte",
	"astro":            "astro",
	"vite":             "vite",
	"@angular/core":    "angular",
}

// composeServices maps compose file keywords onto service toggles.
var composeServices = map[string]string{
	"postgres": "postgres",
	"mysql":    "mysql",
	"mariadb":  "mysql",
	"redis":    "redis",
	"mongo":    "mongodb",
}
