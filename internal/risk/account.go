package risk

import "time"

// AccountState is the single shared-mutable resource of a decision cycle:
// equity, open position count, and the running daily P&L the circuit breaker
// watches. It is passed explicitly into every sizing call and updated only at
// decision boundaries; no two sizing decisions within a cycle may interleave
// their read-modify-write, which the decision pipeline guarantees by sizing
// sequentially.
type AccountState struct {
	StartingEquity     float64 `json:"starting_equity"`
	Equity             float64 `json:"equity"`
	OpenPositions      int     `json:"open_positions"`
	CumulativeDailyPnL float64 `json:"cumulative_daily_pnl"`

	// Breached is the sticky daily-loss circuit breaker. Once set it blocks
	// all further sizing until ResetSession.
	Breached bool `json:"breached"`

	// SessionDate tracks the trading day the daily counters belong to, in
	// YYYY-MM-DD UTC form.
	SessionDate string `json:"session_date"`
}

// NewAccountState starts a session with the given equity.
func NewAccountState(equity float64) *AccountState {
	return &AccountState{StartingEquity: equity, Equity: equity}
}

// ResetSession is the explicit session-boundary reset: daily P&L and the
// circuit breaker clear, and current equity becomes the new session baseline.
// Nothing else in the system may clear Breached.
func (a *AccountState) ResetSession(at time.Time) {
	a.StartingEquity = a.Equity
	a.CumulativeDailyPnL = 0
	a.Breached = false
	a.SessionDate = at.UTC().Format("2006-01-02")
}

// ApplyOpen records a newly opened position. Called once per emitted intent
// (live) or simulated fill (replay).
func (a *AccountState) ApplyOpen() {
	a.OpenPositions++
}

// ApplyCancel releases the budget of a position that never opened, e.g. when
// the execution collaborator refused the intent.
func (a *AccountState) ApplyCancel() {
	if a.OpenPositions > 0 {
		a.OpenPositions--
	}
}

// ApplyClose records a closed trade's realized P&L.
func (a *AccountState) ApplyClose(pnl float64) {
	if a.OpenPositions > 0 {
		a.OpenPositions--
	}
	a.Equity += pnl
	a.CumulativeDailyPnL += pnl
}
