package story

// Stage is a coarse progress label passed to the prompt builder to bias generation.
type Stage string

const (
	StageOpening Stage = "opening"
	StageRising  Stage = "rising"
	StageClimax  Stage = "climax"
	StageEnding  Stage = "ending"
)

// StageFor maps a turn count onto the narrative arc of a game with total turns.
func StageFor(turn, total int) Stage {
	if total <= 0 {
		total = DefaultTotalTurns
	}
	if turn >= total {
		return StageEnding
	}
	progress := float64(turn) / float64(total)
	switch {
	case progress < 0.25:
		return StageOpening
	case progress < 0.6:
		return StageRising
	default:
		return StageClimax
	}
}
