// Package materials holds Kiln's FDM filament substitution knowledge
// base, consumed by the scheduler's material-scoring step (a printer
// lacking the requested material can still score via a compatible
// substitute), generalized from
// original_source/kiln/src/kiln/material_substitution.py's
// directional-rule matrix. Safety preflight does not read this table:
// its temperature check compares against targets the caller supplies.
package materials

import "strings"

// SubstitutionReason names why a substitution might be sought.
type SubstitutionReason string

const (
	ReasonUnavailable    SubstitutionReason = "unavailable"
	ReasonCost           SubstitutionReason = "cost"
	ReasonLeadTime       SubstitutionReason = "lead_time"
	ReasonStrength       SubstitutionReason = "strength"
	ReasonFinishQuality  SubstitutionReason = "finish_quality"
	ReasonHeatResistance SubstitutionReason = "heat_resistance"
)

// Substitution is one recommended alternative filament.
type Substitution struct {
	OriginalMaterial   string
	SubstituteMaterial string
	DeviceType         string
	CompatibilityScore float64
	Reasons            []SubstitutionReason
	TradeOffs          string
	CostDeltaPercent   float64
}

type rule struct {
	substitute       string
	score            float64
	reasons          []SubstitutionReason
	tradeOffs        string
	costDeltaPercent float64
}

// Matrix is the FDM filament substitution knowledge base: a
// device-type-scoped, directional adjacency list keyed by material.
type Matrix struct {
	rules map[string]map[string][]rule // deviceType -> original -> []rule
}

// NewMatrix builds the matrix pre-populated with the built-in FDM
// substitution rules.
func NewMatrix() *Matrix {
	m := &Matrix{rules: make(map[string]map[string][]rule)}
	m.buildBuiltinRules()
	return m
}

func (m *Matrix) addRule(deviceType, original, substitute string, score float64, reasons []SubstitutionReason, tradeOffs string, costDeltaPercent float64) {
	dt := strings.ToLower(deviceType)
	if m.rules[dt] == nil {
		m.rules[dt] = make(map[string][]rule)
	}
	m.rules[dt][original] = append(m.rules[dt][original], rule{
		substitute: substitute, score: score, reasons: reasons, tradeOffs: tradeOffs, costDeltaPercent: costDeltaPercent,
	})
}

func (m *Matrix) addBidirectional(deviceType, matA, matB string, score float64, reasons []SubstitutionReason, tradeOffsAToB, tradeOffsBToA string, costDeltaAToB float64) {
	m.addRule(deviceType, matA, matB, score, reasons, tradeOffsAToB, costDeltaAToB)
	m.addRule(deviceType, matB, matA, score, reasons, tradeOffsBToA, -costDeltaAToB)
}

func (m *Matrix) buildBuiltinRules() {
	m.addBidirectional("fdm", "pla", "pla_plus", 0.95,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength},
		"PLA+ is tougher with better impact resistance and slightly higher layer adhesion, at a similar price point",
		"Standard PLA is cheaper, more widely available, and easier to find in specialty colors, but more brittle",
		10.0)

	m.addBidirectional("fdm", "pla", "silk_pla", 0.90,
		[]SubstitutionReason{ReasonUnavailable, ReasonFinishQuality},
		"Silk PLA produces a glossy, metallic surface finish but is slightly weaker and more brittle than standard PLA",
		"Standard PLA is stronger and more predictable to print, but lacks the decorative sheen of Silk PLA",
		15.0)

	m.addBidirectional("fdm", "wood_pla", "pla", 0.85,
		[]SubstitutionReason{ReasonUnavailable, ReasonFinishQuality},
		"Standard PLA is stronger and easier to print, but lacks the wood-grain texture and matte aesthetic",
		"Wood PLA adds a natural wood-like texture and appearance, but is slightly weaker and can clog small nozzles",
		-10.0)

	m.addBidirectional("fdm", "pla", "petg", 0.75,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength, ReasonHeatResistance},
		"PETG is stronger, more heat-resistant, and less brittle, but is slightly harder to print (stringing), requires higher temps, and has a glossier finish",
		"PLA is easier to print with sharper detail and more color options, but is brittle and softens at ~60C",
		15.0)

	m.addBidirectional("fdm", "pla", "abs", 0.55,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength, ReasonHeatResistance},
		"ABS is much more heat-resistant and impact-tough, but requires an enclosure, higher nozzle/bed temps, and produces fumes; prone to warping without proper setup",
		"PLA prints easily without an enclosure and with minimal warping, but is brittle and has poor heat resistance",
		5.0)

	m.addBidirectional("fdm", "abs", "asa", 0.90,
		[]SubstitutionReason{ReasonUnavailable, ReasonHeatResistance, ReasonFinishQuality},
		"ASA has better UV resistance and weather durability, making it ideal for outdoor parts; similar print requirements to ABS",
		"ABS is cheaper and more widely available with a larger color selection, but yellows and degrades in sunlight",
		20.0)

	m.addBidirectional("fdm", "petg", "abs", 0.70,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength, ReasonHeatResistance},
		"ABS is stiffer and more heat resistant, but warps more and needs an enclosure; PETG prints with far less warping",
		"PETG is easier to print without an enclosure and resists impact better, but sags more under sustained heat",
		-5.0)

	m.addBidirectional("fdm", "petg", "nylon", 0.55,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength},
		"Nylon is significantly stronger and more flexible, but absorbs moisture readily and needs a dry box plus higher temps",
		"PETG is far easier to print reliably and doesn't require aggressive drying, but is less tough under repeated flexing",
		30.0)

	m.addBidirectional("fdm", "tpu", "tpu_95a", 0.80,
		[]SubstitutionReason{ReasonUnavailable, ReasonStrength},
		"TPU 95A is stiffer and prints faster with less stringing, at a small cost to flexibility",
		"Standard (softer) TPU is more flexible for gaskets and wearables, but prints slower and strings more",
		5.0)
}

// FindSubstitutes returns every registered substitute for original
// under deviceType, best compatibility score first.
func (m *Matrix) FindSubstitutes(original, deviceType string) []Substitution {
	dt := strings.ToLower(deviceType)
	rules := m.rules[dt][original]
	out := make([]Substitution, 0, len(rules))
	for _, r := range rules {
		out = append(out, Substitution{
			OriginalMaterial: original, SubstituteMaterial: r.substitute, DeviceType: dt,
			CompatibilityScore: r.score, Reasons: r.reasons, TradeOffs: r.tradeOffs, CostDeltaPercent: r.costDeltaPercent,
		})
	}
	sortByScoreDesc(out)
	return out
}

// GetBestSubstitute returns the single highest-scoring substitute, or
// false if none is registered.
func (m *Matrix) GetBestSubstitute(original, deviceType string) (Substitution, bool) {
	subs := m.FindSubstitutes(original, deviceType)
	if len(subs) == 0 {
		return Substitution{}, false
	}
	return subs[0], true
}

// IsCompatible reports whether a and b have a registered substitution
// (in either direction) under deviceType.
func (m *Matrix) IsCompatible(a, b, deviceType string) bool {
	for _, s := range m.FindSubstitutes(a, deviceType) {
		if s.SubstituteMaterial == b {
			return true
		}
	}
	return false
}

// CompatibilityScore returns the best known compatibility score
// between a and b (1.0 if identical, 0 if no rule links them).
func (m *Matrix) CompatibilityScore(a, b, deviceType string) float64 {
	if a == b {
		return 1.0
	}
	for _, s := range m.FindSubstitutes(a, deviceType) {
		if s.SubstituteMaterial == b {
			return s.CompatibilityScore
		}
	}
	return 0
}

func sortByScoreDesc(subs []Substitution) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j].CompatibilityScore > subs[j-1].CompatibilityScore; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}
}
