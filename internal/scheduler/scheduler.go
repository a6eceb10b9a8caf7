// Package scheduler scores candidate printers per job under weighted
// criteria, generalized from the teacher's gasbank fee-weighting and
// RNG scoring idioms (weighted sums normalized to a fixed total)
// applied to fleet routing instead of fee computation.
package scheduler

import (
	"sort"
	"time"

	"github.com/kilnfleet/kiln/domain/materials"
	"github.com/kilnfleet/kiln/internal/kerrors"
)

// RoutingCriteria is the caller's per-job routing request.
type RoutingCriteria struct {
	Material             string
	RequiredCapabilities []string
	MaxDistanceKM        *float64
	QualityPriority      int // 1..5
	SpeedPriority        int // 1..5
	CostPriority         int // 1..5
}

// PrinterInfo is one candidate's scoring input.
type PrinterInfo struct {
	PrinterID          string
	PrinterModel       string
	Status             string // idle, printing, busy, offline, error
	QueueDepth         int
	SupportedMaterials []string
	Capabilities       []string
	SuccessRate        *float64 // 0..1
	EstimatedWaitS     *float64
	CostPerHour        *float64
	DistanceKM         *float64
	PrintSpeedFactor   *float64
}

// Candidate is one scored printer.
type Candidate struct {
	PrinterID string
	Score     float64
	Breakdown map[string]float64
}

// Result is the full routing decision.
type Result struct {
	Recommendation *Candidate
	Alternatives   []*Candidate
	ElapsedMS      float64
}

const (
	baseMaterial     = 0.30
	baseAvailability = 0.25
	baseReliability  = 0.20
	baseSpeed        = 0.15
	baseCost         = 0.10
)

// Route filters, scores, and ranks candidates for criteria. subs is
// optional (nil is fine) — when supplied, a printer that does not
// directly list the requested material can still score via its best
// registered substitute (domain/materials).
func Route(criteria RoutingCriteria, candidates []PrinterInfo, subs *materials.Matrix) (*Result, error) {
	if err := validate(criteria, candidates); err != nil {
		return nil, err
	}
	start := time.Now()

	filtered := filter(criteria, candidates)
	scored := make([]*Candidate, 0, len(filtered))
	weights := weightsFor(criteria)

	for _, p := range filtered {
		breakdown := map[string]float64{
			"material":     materialScore(criteria.Material, p, subs),
			"availability": availabilityScore(p),
			"reliability":  reliabilityScore(p),
			"speed":        speedScore(p),
			"cost":         costScore(p),
		}
		total := clamp(
			weights["material"]*breakdown["material"]+
				weights["availability"]*breakdown["availability"]+
				weights["reliability"]*breakdown["reliability"]+
				weights["speed"]*breakdown["speed"]+
				weights["cost"]*breakdown["cost"],
			0, 100)
		scored = append(scored, &Candidate{PrinterID: p.PrinterID, Score: total, Breakdown: breakdown})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].PrinterID < scored[j].PrinterID
	})

	res := &Result{ElapsedMS: float64(time.Since(start).Microseconds()) / 1000.0}
	if len(scored) == 0 {
		return res, nil
	}
	res.Recommendation = scored[0]
	end := 5
	if end > len(scored) {
		end = len(scored)
	}
	res.Alternatives = scored[1:end]
	return res, nil
}

func validate(criteria RoutingCriteria, candidates []PrinterInfo) error {
	if len(candidates) == 0 {
		return kerrors.New(kerrors.KindValidation, "candidate list must not be empty")
	}
	for _, p := range []int{criteria.QualityPriority, criteria.SpeedPriority, criteria.CostPriority} {
		if p < 1 || p > 5 {
			return kerrors.New(kerrors.KindValidation, "priority sliders must be in 1..5").WithDetail("value", p)
		}
	}
	return nil
}

// filter drops printers lacking a required capability, exceeding
// MaxDistanceKM, or reporting status=offline (spec §4.4 step 1).
func filter(criteria RoutingCriteria, candidates []PrinterInfo) []PrinterInfo {
	out := make([]PrinterInfo, 0, len(candidates))
	for _, p := range candidates {
		if p.Status == "offline" {
			continue
		}
		if !hasAll(p.Capabilities, criteria.RequiredCapabilities) {
			continue
		}
		if criteria.MaxDistanceKM != nil && p.DistanceKM != nil && *p.DistanceKM > *criteria.MaxDistanceKM {
			continue
		}
		out = append(out, p)
	}
	return out
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// weightsFor starts from the base weight table and shifts categories by
// (value-3)*0.03 per priority slider: quality moves material and
// reliability, speed moves speed and availability, and cost moves only
// the cost category. It then floors at 0.01 and renormalizes to sum 1
// (spec §4.4 step 3).
func weightsFor(c RoutingCriteria) map[string]float64 {
	w := map[string]float64{
		"material":     baseMaterial,
		"availability": baseAvailability,
		"reliability":  baseReliability,
		"speed":        baseSpeed,
		"cost":         baseCost,
	}
	shift := func(v int) float64 { return (float64(v) - 3) * 0.03 }

	// quality priority shifts material + reliability
	qShift := shift(c.QualityPriority)
	w["material"] += qShift
	w["reliability"] += qShift

	sShift := shift(c.SpeedPriority)
	w["speed"] += sShift
	w["availability"] += sShift

	costShift := shift(c.CostPriority)
	w["cost"] += costShift

	sum := 0.0
	for k, v := range w {
		if v < 0.01 {
			v = 0.01
			w[k] = v
		}
		sum += v
	}
	for k := range w {
		w[k] /= sum
	}
	return w
}

func materialScore(wantMaterial string, p PrinterInfo, subs *materials.Matrix) float64 {
	base := 70.0
	if len(p.SupportedMaterials) > 0 {
		base = 0
		for _, m := range p.SupportedMaterials {
			if m == wantMaterial {
				base = 100
				break
			}
		}
		if base == 0 && subs != nil {
			for _, m := range p.SupportedMaterials {
				if best := subs.CompatibilityScore(wantMaterial, m, "fdm"); best*100 > base {
					base = best * 100
				}
			}
		}
	}
	if p.SuccessRate != nil {
		return base*0.6 + (*p.SuccessRate*100)*0.4
	}
	return base
}

func availabilityScore(p PrinterInfo) float64 {
	var base float64
	switch p.Status {
	case "idle":
		base = 100
	case "printing":
		base = 50
	case "busy":
		base = 30
	default: // offline, error — already filtered for offline, but error survives
		base = 0
	}
	base -= float64(10 * p.QueueDepth)
	if base < 0 {
		base = 0
	}
	return base
}

func reliabilityScore(p PrinterInfo) float64 {
	if p.SuccessRate == nil {
		return 50
	}
	return *p.SuccessRate * 100
}

func speedScore(p PrinterInfo) float64 {
	factor := 1.0
	if p.PrintSpeedFactor != nil {
		factor = *p.PrintSpeedFactor
	}
	base := factor * 50
	if base > 100 {
		base = 100
	}
	if p.EstimatedWaitS != nil {
		penalty := *p.EstimatedWaitS / 60
		if penalty > 50 {
			penalty = 50
		}
		base -= penalty
	}
	if base < 0 {
		base = 0
	}
	return base
}

func costScore(p PrinterInfo) float64 {
	if p.CostPerHour == nil || *p.CostPerHour <= 0 {
		return 50
	}
	return clamp(100/(*p.CostPerHour), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
