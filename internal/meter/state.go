package meter

// State is the metering state an exchange reached in one phase.
type State int

const (
	Pending State = iota
	PreflightOK
	PreflightBlocked
	PreflightDegraded
	PreflightFailed
	PostflightOK
	PostflightSkipped
	PostflightDegraded
	PostflightFailed
)

var stateNames = [...]string{
	Pending:            "pending",
	PreflightOK:        "preflight_ok",
	PreflightBlocked:   "preflight_blocked",
	PreflightDegraded:  "preflight_degraded",
	PreflightFailed:    "preflight_failed",
	PostflightOK:       "postflight_ok",
	PostflightSkipped:  "postflight_skipped",
	PostflightDegraded: "postflight_degraded",
	PostflightFailed:   "postflight_failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
