package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/kerrors"
)

func basicCriteria() RoutingCriteria {
	return RoutingCriteria{Material: "PLA", QualityPriority: 3, SpeedPriority: 3, CostPriority: 3}
}

func TestRouteEmptyCandidateListIsValidationError(t *testing.T) {
	_, err := Route(basicCriteria(), nil, nil)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindValidation, kerr.Kind)
}

func TestRoutePrioritySliderOutOfRangeIsValidationError(t *testing.T) {
	c := basicCriteria()
	c.QualityPriority = 6
	_, err := Route(c, []PrinterInfo{{PrinterID: "p1", Status: "idle"}}, nil)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindValidation, kerr.Kind)
}

func TestRouteFiltersOfflinePrinters(t *testing.T) {
	candidates := []PrinterInfo{
		{PrinterID: "offline-1", Status: "offline"},
		{PrinterID: "idle-1", Status: "idle"},
	}
	res, err := Route(basicCriteria(), candidates, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "idle-1", res.Recommendation.PrinterID)
	assert.Empty(t, res.Alternatives)
}

func TestRouteFiltersMissingRequiredCapability(t *testing.T) {
	c := basicCriteria()
	c.RequiredCapabilities = []string{"heated_chamber"}
	candidates := []PrinterInfo{
		{PrinterID: "no-chamber", Status: "idle", Capabilities: []string{"auto_bed_level"}},
		{PrinterID: "has-chamber", Status: "idle", Capabilities: []string{"heated_chamber", "auto_bed_level"}},
	}
	res, err := Route(c, candidates, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "has-chamber", res.Recommendation.PrinterID)
}

func TestRouteFiltersByMaxDistance(t *testing.T) {
	c := basicCriteria()
	maxDist := 50.0
	c.MaxDistanceKM = &maxDist
	near, far := 10.0, 500.0
	candidates := []PrinterInfo{
		{PrinterID: "far", Status: "idle", DistanceKM: &far},
		{PrinterID: "near", Status: "idle", DistanceKM: &near},
	}
	res, err := Route(c, candidates, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "near", res.Recommendation.PrinterID)
}

func TestRouteSingleCandidateHasNoAlternatives(t *testing.T) {
	res, err := Route(basicCriteria(), []PrinterInfo{{PrinterID: "solo", Status: "idle"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "solo", res.Recommendation.PrinterID)
	assert.Empty(t, res.Alternatives)
	assert.GreaterOrEqual(t, res.ElapsedMS, 0.0)
}

func TestRouteCapsAlternativesAtFour(t *testing.T) {
	var candidates []PrinterInfo
	for i := 0; i < 10; i++ {
		candidates = append(candidates, PrinterInfo{PrinterID: string(rune('a' + i)), Status: "idle"})
	}
	res, err := Route(basicCriteria(), candidates, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Len(t, res.Alternatives, 4)
}

func TestRoutePrefersIdleOverBusyPrinter(t *testing.T) {
	candidates := []PrinterInfo{
		{PrinterID: "busy", Status: "busy"},
		{PrinterID: "idle", Status: "idle"},
	}
	res, err := Route(basicCriteria(), candidates, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Recommendation)
	assert.Equal(t, "idle", res.Recommendation.PrinterID)
}

func TestWeightsForRenormalizeToOne(t *testing.T) {
	w := weightsFor(RoutingCriteria{QualityPriority: 5, SpeedPriority: 1, CostPriority: 5})
	sum := 0.0
	for _, v := range w {
		assert.GreaterOrEqual(t, v, 0.01)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
