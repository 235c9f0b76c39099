// Package spec translates a validated sandbox configuration into a
// runtime-ready container specification: image, env, volumes, ports,
// labels, resource limits, and command.
package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentpod/agentpod/internal/sandbox"
)

// Registry identifies where flavor images are pulled from. An empty URL
// produces unprefixed local image references.
type Registry struct {
	URL     string
	Owner   string
	Version string
}

// Catalog resolves flavors to images and tiers to resource limits. The
// built-in tables apply unless a catalog file overrides individual entries.
type Catalog struct {
	images map[sandbox.Flavor]string
	tiers  map[sandbox.Tier]sandbox.TierLimits
}

// catalogFile is the on-disk override format.
type catalogFile struct {
	Flavors map[string]string `yaml:"flavors"` // flavor -> full image reference
	Tiers   map[string]struct {
		CPUs      float64 `yaml:"cpus"`
		MemoryGB  float64 `yaml:"memoryGb"`
		StorageGB int     `yaml:"storageGb"`
	} `yaml:"tiers"`
}

// DefaultCatalog returns the built-in flavor and tier tables.
func DefaultCatalog() *Catalog {
	return &Catalog{
		images: map[sandbox.Flavor]string{},
		tiers:  map[sandbox.Tier]sandbox.TierLimits{},
	}
}

// LoadCatalog reads overrides from a catalog.yaml file. A missing file
// yields the default catalog; a malformed file is an error.
func LoadCatalog(path string) (*Catalog, error) {
	cat := DefaultCatalog()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	for name, image := range file.Flavors {
		flavor := sandbox.Flavor(name)
		if !flavor.Valid() {
			return nil, fmt.Errorf("catalog %s: unknown flavor %q", path, name)
		}
		if image == "" {
			return nil, fmt.Errorf("catalog %s: empty image for flavor %q", path, name)
		}
		cat.images[flavor] = image
	}

	for name, limits := range file.Tiers {
		tier := sandbox.Tier(name)
		if !tier.Valid() {
			return nil, fmt.Errorf("catalog %s: unknown tier %q", path, name)
		}
		if limits.CPUs <= 0 || limits.MemoryGB <= 0 || limits.StorageGB <= 0 {
			return nil, fmt.Errorf("catalog %s: tier %q limits must be positive", path, name)
		}
		cat.tiers[tier] = sandbox.TierLimits{
			CPUCores:  limits.CPUs,
			MemoryGB:  limits.MemoryGB,
			StorageGB: limits.StorageGB,
		}
	}

	return cat, nil
}

// Image resolves a flavor to its pullable image reference, honoring
// catalog overrides.
func (c *Catalog) Image(flavor sandbox.Flavor, reg Registry) string {
	if image, ok := c.images[flavor]; ok {
		return image
	}
	return flavor.ImageRef(reg.URL, reg.Owner, reg.Version)
}

// Limits resolves a tier to its resource allocation, honoring catalog
// overrides.
func (c *Catalog) Limits(tier sandbox.Tier) sandbox.TierLimits {
	if limits, ok := c.tiers[tier]; ok {
		return limits
	}
	return tier.Limits()
}
