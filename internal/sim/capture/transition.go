package capture

import "towerwars.ai/internal/sim/ledger"

type Kind string

const (
	KindContestStart  Kind = "CONTEST_START"
	KindProgress      Kind = "PROGRESS"
	KindCaptured      Kind = "CAPTURED"
	KindDecayStarted  Kind = "DECAY_STARTED"
	KindDecayHalted   Kind = "DECAY_HALTED"
	KindNeutralized   Kind = "NEUTRALIZED"
	KindContestEnded  Kind = "CONTEST_ENDED"
	KindCooldownEnded Kind = "COOLDOWN_ENDED"
)

// Transition is one logical state change of a zone. Team is the contesting team for
// CONTEST_START/PROGRESS/CONTEST_ENDED, the new owner for CAPTURED, the enemy for
// DECAY_STARTED, the holder for DECAY_HALTED and the former owner for NEUTRALIZED.
type Transition struct {
	Kind     Kind
	Team     TeamID
	Progress float64
	// Ledger is set when the transition wrote the ledger (CAPTURED, NEUTRALIZED).
	Ledger *ledger.Change
}
