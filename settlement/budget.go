package settlement

// DefaultComputeCeiling matches the transport's own per-call budget in
// abstract compute units.
const DefaultComputeCeiling = 400_000

// Fixed per-step costs charged against the ceiling. Every step is
// O(1) (or O(log n) inside LevelDB point lookups) in stored state, so
// adversarial proposal or receipt counts cannot inflate a delivery's
// cost past the sum of these constants.
const (
	costCallerCheck = 10_000
	costDecode      = 40_000
	costVerify      = 50_000
	costLookup      = 60_000
	costIdempotency = 60_000
	costNormalize   = 80_000
	costTally       = 110_000
	costEvent       = 40_000
)

// workMeter tracks abstract compute spent by one delivery. The rejection
// path itself is not metered; it must always be able to run so the
// delivery can terminate with the value accounted for.
type workMeter struct {
	used    uint64
	ceiling uint64
}

func newWorkMeter(ceiling uint64) *workMeter {
	if ceiling == 0 {
		ceiling = DefaultComputeCeiling
	}
	return &workMeter{ceiling: ceiling}
}

// charge reports whether the meter still fits under the ceiling after
// adding cost.
func (m *workMeter) charge(cost uint64) bool {
	m.used += cost
	return m.used <= m.ceiling
}
