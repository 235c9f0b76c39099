package sandbox

// Tier is a named resource allocation size.
type Tier string

const (
	TierMicro   Tier = "micro"
	TierStarter Tier = "starter"
	TierBuilder Tier = "builder"
	TierCreator Tier = "creator"
	TierPower   Tier = "power"
)

// DefaultTier is used when the declarative config names no tier.
const DefaultTier = TierBuilder

// TierLimits is the resource allocation of one tier.
type TierLimits struct {
	CPUCores  float64
	MemoryGB  float64
	StorageGB int
}

var tierTable = map[Tier]TierLimits{
	TierMicro:   {CPUCores: 1, MemoryGB: 1, StorageGB: 5},
	TierStarter: {CPUCores: 1, MemoryGB: 2, StorageGB: 10},
	TierBuilder: {CPUCores: 2, MemoryGB: 4, StorageGB: 20},
	TierCreator: {CPUCores: 4, MemoryGB: 8, StorageGB: 40},
	TierPower:   {CPUCores: 8, MemoryGB: 16, StorageGB: 80},
}

// Tiers returns all known tiers, smallest first.
func Tiers() []Tier {
	return []Tier{TierMicro, TierStarter, TierBuilder, TierCreator, TierPower}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierTable[t]
	return ok
}

// Limits returns the tier's resource allocation. Unknown tiers get the
// default tier's limits.
func (t Tier) Limits() TierLimits {
	if limits, ok := tierTable[t]; ok {
		return limits
	}
	return tierTable[DefaultTier]
}

// MaxLimits returns the largest allocation any tier grants. User overrides
// are bounded by these values.
func MaxLimits() TierLimits {
	return tierTable[TierPower]
}
