package session

import "fmt"

// Time limits separating result tiers.
const (
	ExcellentLimit = 60
	GoodLimit      = 90
)

// Tier grades a finished game by elapsed time.
type Tier int

const (
	TierExcellent Tier = iota
	TierGood
	TierFair
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	default:
		return "fair"
	}
}

// TierFor returns the tier for a result of seconds.
func TierFor(seconds int) Tier {
	switch {
	case seconds < ExcellentLimit:
		return TierExcellent
	case seconds < GoodLimit:
		return TierGood
	default:
		return TierFair
	}
}

// FormatElapsed renders seconds as MM:SS.
func FormatElapsed(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Congratulation is the message shown to both peers after a win.
func Congratulation(seconds int) string {
	var head string
	switch TierFor(seconds) {
	case TierExcellent:
		head = "Excellent!"
	case TierGood:
		head = "Good!"
	default:
		head = "Not bad!"
	}
	return fmt.Sprintf("%s\n\nYou finished the game in %s", head, FormatElapsed(seconds))
}

// DepartureNotice is shown to the peer that remains after an abandonment.
const DepartureNotice = "The other player has left the game"
