package sandbox

// Addon is an optional in-container capability toggled by the declarative
// config.
type Addon string

const (
	AddonCodeServer Addon = "code-server"
	AddonGUI        Addon = "gui"
	AddonGPU        Addon = "gpu"
	AddonDatabases  Addon = "databases"
	AddonCloud      Addon = "cloud"
)

// addonPorts maps web-facing addons to their default container ports.
// Addons without an entry have no routed port.
var addonPorts = map[Addon]int{
	AddonCodeServer: 8080,
	AddonGUI:        6080,
}

// Addons returns all known addons.
func Addons() []Addon {
	return []Addon{AddonCodeServer, AddonGUI, AddonGPU, AddonDatabases, AddonCloud}
}

// Valid reports whether a is a known addon.
func (a Addon) Valid() bool {
	switch a {
	case AddonCodeServer, AddonGUI, AddonGPU, AddonDatabases, AddonCloud:
		return true
	default:
		return false
	}
}

// Port returns the addon's default container port, if it exposes one.
func (a Addon) Port() (int, bool) {
	port, ok := addonPorts[a]
	return port, ok
}
