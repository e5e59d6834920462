package ipoverdns

// Verdict is the outcome of a sequence number recency check.
type Verdict int

const (
	VerdictAccept = Verdict(iota)
	VerdictStale
)

func (v Verdict) String() string {
	if v == VerdictAccept {
		return "accept"
	}
	return "stale"
}

// DefaultRecencyTolerance is the largest forward distance between the last
// accepted sequence number and a new one. Anything further away is considered
// to be a replay from behind.
const DefaultRecencyTolerance = 127

// RecencyCheck decides whether the candidate sequence number is newer than the
// last accepted one. The distance is computed modulo 256, it must fall between
// 1 and tolerance inclusive. A distance of 0 is the already accepted packet.
func RecencyCheck(lastSeen, candidate byte, tolerance int) Verdict {
	if tolerance < 1 || tolerance > 255 {
		tolerance = DefaultRecencyTolerance
	}
	distance := int(candidate - lastSeen)
	if distance >= 1 && distance <= tolerance {
		return VerdictAccept
	}
	return VerdictStale
}

// RecencyWindow remembers the last accepted sequence number of a session.
type RecencyWindow struct {
	// Tolerance is the largest forward distance accepted, see RecencyCheck.
	Tolerance int
	lastSeen  byte
	primed    bool
}

// Check returns the verdict for the candidate without updating the window. A
// window that has not accepted anything yet accepts every candidate.
func (win *RecencyWindow) Check(candidate byte) Verdict {
	if !win.primed {
		return VerdictAccept
	}
	return RecencyCheck(win.lastSeen, candidate, win.Tolerance)
}

// Commit records the candidate as the last accepted sequence number.
func (win *RecencyWindow) Commit(candidate byte) {
	win.lastSeen = candidate
	win.primed = true
}

// LastSeen returns the last accepted sequence number and whether there is one.
func (win *RecencyWindow) LastSeen() (byte, bool) {
	return win.lastSeen, win.primed
}
