package traffic

// Priority orders waiting requests. Lower values are admitted first.
type Priority int

const (
	VIP Priority = iota
	High
	Standard
	Bulk
)

func (p Priority) String() string {
	switch p {
	case VIP:
		return "VIP"
	case High:
		return "HIGH"
	case Standard:
		return "STANDARD"
	case Bulk:
		return "BULK"
	default:
		return "UNKNOWN"
	}
}

// PriorityFor maps a node role kind to its admission tier. Directors and
// system nodes lead, reviewers trail.
func PriorityFor(kind string) Priority {
	switch kind {
	case "director", "system":
		return VIP
	case "architect", "router":
		return High
	case "critic", "auditor":
		return Bulk
	default:
		return Standard
	}
}
