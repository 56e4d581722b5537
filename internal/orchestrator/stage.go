package orchestrator

import "tachyon-scan-engine/internal/model"

// stageWindow describes a Stage's share of the global deadline, priority,
// and per-scanner timeout cap, mirroring the table in the staged
// scheduling design.
type stageWindow struct {
	stage         model.Stage
	startFraction float64
	endFraction   float64
	priority      int
	scannerCap    float64 // seconds; 0 means "use per_scanner_timeout"
}

var stageWindows = []stageWindow{
	{stage: model.StageA, startFraction: 0.00, endFraction: 0.06, priority: 9, scannerCap: 10},
	{stage: model.StageB, startFraction: 0.06, endFraction: 0.50, priority: 6, scannerCap: 60},
	{stage: model.StageC, startFraction: 0.50, endFraction: 0.89, priority: 3, scannerCap: 90},
}

func windowFor(stage model.Stage) stageWindow {
	for _, w := range stageWindows {
		if w.stage == stage {
			return w
		}
	}
	return stageWindow{stage: stage, priority: 5}
}

// flatWindow is used when staged scheduling is disabled (§4.5: "otherwise
// all scanners go to a single priority class"): every scanner is submitted
// at once under one mid-range priority, capped only by the scan's own
// per_scanner_timeout, with no stage time-window or Stage-B/C gating.
var flatWindow = stageWindow{priority: 5}
