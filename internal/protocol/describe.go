package protocol

import (
	"strconv"
)

// LevelPrecision is the number of decimals used when a level is rendered
// into a canonical or human-readable form.
const LevelPrecision = 6

// FormatLevel renders an unrounded level with fixed precision.
func FormatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', LevelPrecision, 64)
}

// Describe flattens a message into canonical-safe arguments for traces and
// golden files.
func Describe(msg Message) map[string]any {
	switch m := msg.(type) {
	case SetPosition:
		return map[string]any{"piston": int(m.Piston), "row": m.Row, "col": m.Col}
	case SetPairedPistons:
		return map[string]any{"first": int(m.First), "second": int(m.Second)}
	case SetMaterialIndex:
		return map[string]any{"piston": int(m.Piston), "index": m.Index}
	case TransferAuthority:
		return map[string]any{"piston": int(m.Piston), "peer": string(m.Peer)}
	case SetSquare:
		return map[string]any{"piston": int(m.Piston), "area": m.Area}
	case SetWeight:
		return map[string]any{"piston": int(m.Piston), "weight": m.Weight}
	case SetUnroundedLevel:
		return map[string]any{"piston": int(m.Piston), "value": FormatLevel(m.Value)}
	case SetSecondsPassed:
		return map[string]any{"seconds": m.Seconds}
	case TargetFound:
		return map[string]any{"found": m.Found}
	case PeerJoined:
		return map[string]any{"peer": string(m.Peer)}
	case PeerLeft:
		return map[string]any{"peer": string(m.Peer)}
	case SessionReady:
		peers := make([]any, len(m.Peers))
		for i, p := range m.Peers {
			peers[i] = string(p)
		}
		return map[string]any{"peers": peers}
	default:
		return map[string]any{}
	}
}
