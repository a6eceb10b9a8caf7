// Package reputation tracks operator performance, aggregates customer
// feedback, and computes reliability tiers for the Kiln fleet's
// print-operator marketplace, generalized from the teacher's
// validation-heavy domain model packages (explicit length/charset
// checks returning typed validation errors) applied to operator
// profiles instead of chain/RPC configuration.
package reputation

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
)

const (
	maxOperatorIDLen  = 100
	maxCustomerIDLen  = 100
	maxDisplayNameLen = 200
	maxCommentLen     = 500
	minQualityScore   = 1
	maxQualityScore   = 5
)

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	controlCharRE  = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	tierThresholds = []tierThreshold{
		{Tier: "platinum", MinSuccessRate: 0.98, MinOrders: 100},
		{Tier: "gold", MinSuccessRate: 0.95, MinOrders: 50},
		{Tier: "silver", MinSuccessRate: 0.90, MinOrders: 20},
		{Tier: "bronze", MinSuccessRate: 0.80, MinOrders: 5},
	}
	tierOrder = []string{"platinum", "gold", "silver", "bronze", "new"}
)

type tierThreshold struct {
	Tier           string
	MinSuccessRate float64
	MinOrders      int
}

// OperatorProfile is an operator's profile and aggregated performance
// metrics. SuccessRate and ReliabilityTier are derived, never stored.
type OperatorProfile struct {
	OperatorID          string
	DisplayName         string
	RegisteredAt        time.Time
	Verified            bool
	PrinterCount        int
	TotalOrders         int
	SuccessfulOrders    int
	FailedOrders        int
	AvgPrintTimeSeconds float64
	AvgQualityScore     float64
	MaterialsSupported  []string
	ResponseTimeAvgSec  float64
	LastActiveAt        time.Time
}

// SuccessRate is the fraction of successful orders, 0 if no orders yet.
func (p *OperatorProfile) SuccessRate() float64 {
	if p.TotalOrders == 0 {
		return 0
	}
	return float64(p.SuccessfulOrders) / float64(p.TotalOrders)
}

// ReliabilityTier computes the tier from success rate and order count
// against the fixed platinum/gold/silver/bronze/new thresholds.
func (p *OperatorProfile) ReliabilityTier() string {
	rate := p.SuccessRate()
	for _, t := range tierThresholds {
		if rate >= t.MinSuccessRate && p.TotalOrders >= t.MinOrders {
			return t.Tier
		}
	}
	return "new"
}

// OrderFeedback is customer feedback for one completed order.
type OrderFeedback struct {
	OrderID             string
	OperatorID          string
	CustomerID          string
	QualityScore        int
	OnTime              bool
	CommunicationScore  int
	WouldRecommend      bool
	Comment             string
	HasComment          bool
	CreatedAt           time.Time
}

// Event is an auditable reputation-system event.
type Event struct {
	Type       string
	OperatorID string
	Timestamp  time.Time
	Metadata   map[string]any
}

// FeedbackSummary aggregates an operator's feedback history.
type FeedbackSummary struct {
	FeedbackCount         int
	AvgCommunicationScore float64
	RecommendRate         float64
	OnTimeRate            float64
}

// Engine manages operator profiles, order tracking, and feedback
// aggregation. Thread-safe: every public method acquires the internal
// lock (spec's concurrency model applied uniformly across modules).
type Engine struct {
	mu        sync.Mutex
	operators map[string]*OperatorProfile
	feedback  []OrderFeedback
	events    []Event
}

func New() *Engine {
	return &Engine{operators: make(map[string]*OperatorProfile)}
}

func validateID(value, fieldName string, maxLen int) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return kerrors.New(kerrors.KindValidation, fieldName+" must be a non-empty string")
	}
	if len(value) > maxLen {
		return kerrors.New(kerrors.KindValidation, fieldName+" exceeds max length").WithDetail("max_len", maxLen)
	}
	if !idPattern.MatchString(value) {
		return kerrors.New(kerrors.KindValidation, fieldName+" contains invalid characters; only alphanumeric, hyphens, and underscores are allowed")
	}
	return nil
}

func validateDisplayName(value string) error {
	if strings.TrimSpace(value) == "" {
		return kerrors.New(kerrors.KindValidation, "display_name must be a non-empty string")
	}
	if len(value) > maxDisplayNameLen {
		return kerrors.New(kerrors.KindValidation, "display_name exceeds max length").WithDetail("max_len", maxDisplayNameLen)
	}
	if controlCharRE.MatchString(value) {
		return kerrors.New(kerrors.KindValidation, "display_name contains control characters")
	}
	return nil
}

func validateScore(value int, fieldName string) error {
	if value < minQualityScore || value > maxQualityScore {
		return kerrors.New(kerrors.KindValidation, fieldName+" must be between 1 and 5").WithDetail("value", value)
	}
	return nil
}

func validateFeedback(f OrderFeedback) error {
	if err := validateID(f.OrderID, "order_id", maxOperatorIDLen); err != nil {
		return err
	}
	if err := validateID(f.OperatorID, "operator_id", maxOperatorIDLen); err != nil {
		return err
	}
	if err := validateID(f.CustomerID, "customer_id", maxCustomerIDLen); err != nil {
		return err
	}
	if err := validateScore(f.QualityScore, "quality_score"); err != nil {
		return err
	}
	if err := validateScore(f.CommunicationScore, "communication_score"); err != nil {
		return err
	}
	if f.HasComment {
		if len(f.Comment) > maxCommentLen {
			return kerrors.New(kerrors.KindValidation, "comment exceeds max length").WithDetail("max_len", maxCommentLen)
		}
		if controlCharRE.MatchString(f.Comment) {
			return kerrors.New(kerrors.KindValidation, "comment contains control characters")
		}
	}
	return nil
}

// RegisterOperator validates and registers a new operator profile.
func (e *Engine) RegisterOperator(operatorID, displayName string) (*OperatorProfile, error) {
	if err := validateID(operatorID, "operator_id", maxOperatorIDLen); err != nil {
		return nil, err
	}
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.operators[operatorID]; exists {
		return nil, kerrors.New(kerrors.KindValidation, "operator already registered").WithDetail("operator_id", operatorID)
	}
	now := time.Now()
	profile := &OperatorProfile{OperatorID: operatorID, DisplayName: displayName, RegisteredAt: now, LastActiveAt: now}
	e.operators[operatorID] = profile
	return profile, nil
}

// GetOperator returns the profile for operatorID, or nil if not found.
func (e *Engine) GetOperator(operatorID string) *OperatorProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.operators[operatorID]
}

// RecordOrderCompletion records a completed or failed order, updating
// the operator's rolling average print time.
func (e *Engine) RecordOrderCompletion(operatorID string, success bool, printTimeSeconds float64) error {
	if printTimeSeconds < 0 {
		return kerrors.New(kerrors.KindValidation, "print_time_s must be >= 0")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	profile, ok := e.operators[operatorID]
	if !ok {
		return kerrors.New(kerrors.KindNotFound, "operator not found").WithDetail("operator_id", operatorID)
	}

	profile.TotalOrders++
	if success {
		profile.SuccessfulOrders++
	} else {
		profile.FailedOrders++
	}

	prevTotal := profile.TotalOrders - 1
	if prevTotal == 0 {
		profile.AvgPrintTimeSeconds = printTimeSeconds
	} else {
		profile.AvgPrintTimeSeconds = (profile.AvgPrintTimeSeconds*float64(prevTotal) + printTimeSeconds) / float64(profile.TotalOrders)
	}

	now := time.Now()
	profile.LastActiveAt = now

	eventType := "order_completed"
	if !success {
		eventType = "order_failed"
	}
	e.events = append(e.events, Event{Type: eventType, OperatorID: operatorID, Timestamp: now,
		Metadata: map[string]any{"print_time_s": printTimeSeconds, "success": success}})
	return nil
}

// SubmitFeedback validates and records customer feedback, updating the
// operator's rolling average quality score.
func (e *Engine) SubmitFeedback(f OrderFeedback) error {
	if err := validateFeedback(f); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	profile, ok := e.operators[f.OperatorID]
	if !ok {
		return kerrors.New(kerrors.KindNotFound, "operator not found").WithDetail("operator_id", f.OperatorID)
	}

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	e.feedback = append(e.feedback, f)

	var totalQuality, count int
	for _, fb := range e.feedback {
		if fb.OperatorID == f.OperatorID {
			totalQuality += fb.QualityScore
			count++
		}
	}
	profile.AvgQualityScore = float64(totalQuality) / float64(count)

	now := time.Now()
	profile.LastActiveAt = now
	e.events = append(e.events, Event{Type: "feedback_received", OperatorID: f.OperatorID, Timestamp: now,
		Metadata: map[string]any{"order_id": f.OrderID, "quality_score": f.QualityScore}})
	return nil
}

// VerifyOperator marks an operator as admin-verified.
func (e *Engine) VerifyOperator(operatorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	profile, ok := e.operators[operatorID]
	if !ok {
		return kerrors.New(kerrors.KindNotFound, "operator not found").WithDetail("operator_id", operatorID)
	}
	profile.Verified = true
	e.events = append(e.events, Event{Type: "verification_granted", OperatorID: operatorID, Timestamp: time.Now()})
	return nil
}

// Leaderboard returns the top operators sorted by tier rank then
// success rate descending, optionally filtered to a supported material.
func (e *Engine) Leaderboard(limit int, material string) []*OperatorProfile {
	e.mu.Lock()
	operators := make([]*OperatorProfile, 0, len(e.operators))
	for _, p := range e.operators {
		operators = append(operators, p)
	}
	e.mu.Unlock()

	if material != "" {
		operators = filterByMaterial(operators, material)
	}

	sort.Slice(operators, func(i, j int) bool {
		ti, tj := tierRank(operators[i].ReliabilityTier()), tierRank(operators[j].ReliabilityTier())
		if ti != tj {
			return ti < tj
		}
		return operators[i].SuccessRate() > operators[j].SuccessRate()
	})

	if limit > 0 && len(operators) > limit {
		operators = operators[:limit]
	}
	return operators
}

// OperatorStats returns an operator's profile plus its feedback summary.
func (e *Engine) OperatorStats(operatorID string) (*OperatorProfile, FeedbackSummary, error) {
	e.mu.Lock()
	profile, ok := e.operators[operatorID]
	var opFeedback []OrderFeedback
	for _, f := range e.feedback {
		if f.OperatorID == operatorID {
			opFeedback = append(opFeedback, f)
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil, FeedbackSummary{}, kerrors.New(kerrors.KindNotFound, "operator not found").WithDetail("operator_id", operatorID)
	}

	var summary FeedbackSummary
	summary.FeedbackCount = len(opFeedback)
	if summary.FeedbackCount > 0 {
		var comm, recommend, onTime float64
		for _, f := range opFeedback {
			comm += float64(f.CommunicationScore)
			if f.WouldRecommend {
				recommend++
			}
			if f.OnTime {
				onTime++
			}
		}
		n := float64(summary.FeedbackCount)
		summary.AvgCommunicationScore = comm / n
		summary.RecommendRate = recommend / n
		summary.OnTimeRate = onTime / n
	}
	return profile, summary, nil
}

// ListOperators returns operators filtered by verification, minimum
// tier (inclusive), and optional supported material.
func (e *Engine) ListOperators(verifiedOnly bool, minTier, material string) ([]*OperatorProfile, error) {
	if minTier == "" {
		minTier = "new"
	}
	minRank := tierRank(minTier)
	if minRank < 0 {
		return nil, kerrors.New(kerrors.KindValidation, "invalid tier").WithDetail("tier", minTier)
	}

	e.mu.Lock()
	operators := make([]*OperatorProfile, 0, len(e.operators))
	for _, p := range e.operators {
		operators = append(operators, p)
	}
	e.mu.Unlock()

	result := make([]*OperatorProfile, 0, len(operators))
	for _, op := range operators {
		if verifiedOnly && !op.Verified {
			continue
		}
		if tierRank(op.ReliabilityTier()) > minRank {
			continue
		}
		if material != "" && !containsString(op.MaterialsSupported, material) {
			continue
		}
		result = append(result, op)
	}
	return result, nil
}

func tierRank(tier string) int {
	for i, t := range tierOrder {
		if t == tier {
			return i
		}
	}
	return -1
}

func filterByMaterial(ops []*OperatorProfile, material string) []*OperatorProfile {
	out := make([]*OperatorProfile, 0, len(ops))
	for _, op := range ops {
		if containsString(op.MaterialsSupported, material) {
			out = append(out, op)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
