package quota

// State is the warmup relevance of a model's remaining quota.
type State int

const (
	// StateNotActionable means the quota is well below full.
	StateNotActionable State = iota
	// StateNearReady means the quota is close to full and worth rescanning.
	StateNearReady
	// StateReady means the quota is full and the model can be warmed.
	StateReady
)

// DefaultNearReadyThreshold is the lowest percentage classified near ready.
const DefaultNearReadyThreshold = 95

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateNearReady:
		return "near-ready"
	default:
		return "not-actionable"
	}
}

// Classify maps a remaining percentage onto a State.
func Classify(percent, nearReady int) State {
	switch {
	case percent >= 100:
		return StateReady
	case percent >= nearReady:
		return StateNearReady
	default:
		return StateNotActionable
	}
}
