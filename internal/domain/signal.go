package domain

// Action is a per-bar trading signal from a signal source.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side maps an actionable signal to an order side. HOLD has no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Signal is the (action, confidence) pair a model emits for one closed bar.
type Signal struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
}
