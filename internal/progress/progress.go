// Package progress estimates per-phase ETA for an active FDM print,
// calibrated by a rolling per-printer history, generalized from the
// teacher's rolling-window calibration idiom used by its datafeed
// aggregation (fixed-size sample window, mean ratio correction).
package progress

import (
	"math"
	"sync"
)

// Phase weights as fractions of total wall-clock duration (spec §4.8).
const (
	weightPreparing      = 0.04
	weightPrinting       = 0.92
	weightCooling        = 0.025
	weightPostProcessing = 0.015

	speedBlendFactor = 0.75
	firstLayerSpeed  = 0.5
)

// JobInputs are the known parameters for an estimate.
type JobInputs struct {
	FilamentLengthMM *float64
	SpeedMMPerS      *float64
	LayerCount       *int
	FirstLayerZMM    *float64
	PerLayerOverhead float64 // seconds
}

// Estimate is the result of a phase-model estimate.
type Estimate struct {
	TotalS     float64
	Confidence float64
}

// sample is one (estimated, actual) pair used for calibration.
type sample struct {
	estimated float64
	actual    float64
}

const rollingWindow = 20

// Estimator holds per-printer-model calibration history.
type Estimator struct {
	mu      sync.Mutex
	history map[string][]sample // keyed by printer model
}

func New() *Estimator {
	return &Estimator{history: make(map[string][]sample)}
}

// EstimateFDM models total wall-clock as the sum of four phases. When
// filament/speed/layer data is available the printing-phase duration
// is replaced by a physically derived figure instead of the flat 92%
// weight share of some externally-known total.
func (e *Estimator) EstimateFDM(printerModel string, baseTotalS float64, in JobInputs) Estimate {
	printingS := baseTotalS * weightPrinting
	if in.FilamentLengthMM != nil && in.SpeedMMPerS != nil && *in.SpeedMMPerS > 0 {
		blendSpeed := *in.SpeedMMPerS * speedBlendFactor
		printingS = *in.FilamentLengthMM / blendSpeed

		if in.FirstLayerZMM != nil {
			firstLayerS := *in.FirstLayerZMM / (*in.SpeedMMPerS * firstLayerSpeed)
			printingS += firstLayerS
		}
		if in.LayerCount != nil {
			printingS += in.PerLayerOverhead * float64(*in.LayerCount)
		}
	}

	otherPhases := baseTotalS * (weightPreparing + weightCooling + weightPostProcessing)
	total := printingS + otherPhases

	calibrated, confidence := e.calibrate(printerModel, total)
	return Estimate{TotalS: calibrated, Confidence: confidence}
}

// calibrate multiplies a fresh estimate by the mean actual/estimated
// ratio of the printer model's rolling history, and reports a
// confidence that rises toward 1.0 as history accumulates, capping out
// at 10+ samples (spec §4.8).
func (e *Estimator) calibrate(printerModel string, fresh float64) (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	samples := e.history[printerModel]
	if len(samples) == 0 {
		return fresh, 0.3
	}

	var ratioSum float64
	for _, s := range samples {
		if s.estimated > 0 {
			ratioSum += s.actual / s.estimated
		}
	}
	meanRatio := ratioSum / float64(len(samples))

	confidence := 0.3 + 0.7*math.Min(float64(len(samples))/10.0, 1.0)
	return fresh * meanRatio, confidence
}

// RecordOutcome appends one (estimated, actual) pair to the printer
// model's rolling window, evicting the oldest sample beyond 20.
func (e *Estimator) RecordOutcome(printerModel string, estimated, actual float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	samples := append(e.history[printerModel], sample{estimated: estimated, actual: actual})
	if len(samples) > rollingWindow {
		samples = samples[len(samples)-rollingWindow:]
	}
	e.history[printerModel] = samples
}

// EstimateFromProgress extrapolates total time from a reported
// completion percentage and elapsed time, but keeps the caller's
// reported percentage as the authoritative completion figure so the
// UI never regresses (spec §4.8).
func EstimateFromProgress(completionPct, elapsedS float64) (remainingS float64, overallPct float64) {
	if completionPct <= 0 {
		return 0, completionPct
	}
	totalEstimate := elapsedS / (completionPct / 100.0)
	remaining := totalEstimate - elapsedS
	if remaining < 0 {
		remaining = 0
	}
	return remaining, completionPct
}
