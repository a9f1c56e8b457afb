package provider

import (
	"time"

	core "github.com/eugener/palantir/internal"
)

// DefaultPaceThreshold is the margin (in percentage points) separating
// "margin"/"over" from "balanced".
const DefaultPaceThreshold = 10.0

// DerivePace projects end-of-window utilization from the elapsed window
// fraction. utilization is a percentage (nil when unknown); duration and
// reset describe the window. The status is "unknown" when utilization is
// nil, the reset is invalid, or no window time has elapsed yet.
func DerivePace(utilization *float64, duration time.Duration, resetsAt *time.Time, now time.Time, threshold float64) core.Pace {
	if threshold <= 0 {
		threshold = DefaultPaceThreshold
	}
	unknown := core.Pace{Status: core.PaceUnknown}
	if utilization == nil || duration <= 0 || resetsAt == nil || resetsAt.IsZero() {
		return unknown
	}

	remaining := resetsAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	elapsed := duration - remaining
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > duration {
		elapsed = duration
	}
	elapsedPercent := 100 * float64(elapsed) / float64(duration)
	if elapsedPercent <= 0 {
		return core.Pace{ElapsedPercent: &elapsedPercent, Status: core.PaceUnknown}
	}

	projected := 100 * *utilization / elapsedPercent
	margin := 100 - projected

	status := core.PaceBalanced
	switch {
	case margin >= threshold:
		status = core.PaceMargin
	case margin <= -threshold:
		status = core.PaceOver
	}

	return core.Pace{
		ElapsedPercent:                 &elapsedPercent,
		ProjectedEndUtilizationPercent: &projected,
		PaceMarginPercent:              &margin,
		Status:                         status,
	}
}
