package sandbox

import "fmt"

// Flavor is a pre-built container image family.
type Flavor string

const (
	FlavorBare      Flavor = "bare"
	FlavorJS        Flavor = "js"
	FlavorPython    Flavor = "python"
	FlavorGo        Flavor = "go"
	FlavorRust      Flavor = "rust"
	FlavorFullstack Flavor = "fullstack"
	FlavorPolyglot  Flavor = "polyglot"
)

// DefaultFlavor is used when the declarative config names no base.
const DefaultFlavor = FlavorJS

// Flavors returns all known flavors.
func Flavors() []Flavor {
	return []Flavor{
		FlavorBare,
		FlavorJS,
		FlavorPython,
		FlavorGo,
		FlavorRust,
		FlavorFullstack,
		FlavorPolyglot,
	}
}

// Valid reports whether f is a known flavor.
func (f Flavor) Valid() bool {
	switch f {
	case FlavorBare, FlavorJS, FlavorPython, FlavorGo, FlavorRust, FlavorFullstack, FlavorPolyglot:
		return true
	default:
		return false
	}
}

// ImageRef resolves the flavor to a pullable image reference. An empty
// registry yields an unprefixed local reference.
func (f Flavor) ImageRef(registry, owner, version string) string {
	if version == "" {
		version = "latest"
	}
	name := fmt.Sprintf("agentpod-%s:%s", f, version)
	if registry == "" {
		return name
	}
	if owner != "" {
		return fmt.Sprintf("%s/%s/%s", registry, owner, name)
	}
	return fmt.Sprintf("%s/%s", registry, name)
}
