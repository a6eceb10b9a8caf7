package printer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirmwareResumeSequenceOrdering(t *testing.T) {
	seq := FirmwareResumeSequence(ResumeParams{
		ZHeightMM:       42,
		ClearanceMM:     5,
		BedTargetC:      60,
		HotendTargetC:   210,
		PrimeLengthMM:   3,
		FlowRatePercent: 100,
		FanPWM:          255,
	})
	require.Len(t, seq, 15)

	indexOf := func(prefix string) int {
		for i, cmd := range seq {
			if strings.HasPrefix(cmd, prefix) {
				return i
			}
		}
		return -1
	}

	disableRecovery := indexOf("M413")
	homeXY := indexOf("G28")
	bedTarget := indexOf("M140")
	hotendTarget := indexOf("M104")
	bedWait := indexOf("M190")
	hotendWait := indexOf("M109")
	raiseZ := indexOf("G1 Z")
	flowRestore := indexOf("M221")

	require.NotEqual(t, -1, disableRecovery)
	require.NotEqual(t, -1, homeXY)
	require.NotEqual(t, -1, bedTarget)
	require.NotEqual(t, -1, hotendTarget)
	require.NotEqual(t, -1, bedWait)
	require.NotEqual(t, -1, hotendWait)
	require.NotEqual(t, -1, raiseZ)
	require.NotEqual(t, -1, flowRestore)

	assert.Less(t, disableRecovery, homeXY)
	assert.Less(t, homeXY, bedTarget)
	assert.Less(t, bedTarget, hotendTarget)
	assert.Less(t, bedWait, hotendWait)
	assert.Less(t, hotendTarget, bedWait)
	assert.Less(t, hotendWait, raiseZ)
	assert.Less(t, raiseZ, flowRestore)

	for _, cmd := range seq {
		assert.False(t, strings.HasPrefix(cmd, "G28 Z") || strings.Contains(cmd, "G28 X Y Z"),
			"firmware resume must never home Z: %q", cmd)
	}
}

func TestFirmwareResumeSequenceHomesOnlyXY(t *testing.T) {
	seq := FirmwareResumeSequence(ResumeParams{})
	assert.Equal(t, "G28 X Y", seq[1])
}

func TestJobProgressHasActiveJob(t *testing.T) {
	idle := JobProgress{}
	assert.False(t, idle.HasActiveJob())

	name := "part.gcode"
	active := JobProgress{FileName: &name}
	assert.True(t, active.HasActiveJob())
}
