package risk

// HaltState is the process-wide trading halt state. Transitions are
// one-directional until an explicit reset: limit halts clear only at their
// calendar boundary, the kill switch only by operator action.
type HaltState string

const (
	Running          HaltState = "running"
	HaltedDailyLimit HaltState = "halted_daily_limit"
	HaltedWeekly     HaltState = "halted_weekly_limit"
	HaltedKillSwitch HaltState = "halted_kill_switch"
)

// severity orders halt states so a transition can never downgrade one halt
// into a weaker one. The kill switch outranks everything.
func severity(h HaltState) int {
	switch h {
	case Running:
		return 0
	case HaltedDailyLimit:
		return 1
	case HaltedWeekly:
		return 2
	case HaltedKillSwitch:
		return 3
	default:
		return 0
	}
}
