// Package budget meters the work a single engine call may perform. Exhaustion is a normal early
// exit checked once per list node, never a failure.
package budget

import "math"

// Schedule prices the units of work the engine performs.
type Schedule struct {
	Visit  uint64 // reading and checking one list node
	Remove uint64 // unlinking one node
	Swap   uint64 // executing one signed order
	Settle uint64 // AMM fallback, payout and stake return at the end of a liquidation
}

func DefaultSchedule() Schedule {
	return Schedule{
		Visit:  5_000,
		Remove: 5_000,
		Swap:   60_000,
		Settle: 120_000,
	}
}

// LiquidationReserve is what must remain before the walker may visit another node.
func (s Schedule) LiquidationReserve() uint64 {
	return s.Visit + s.Swap + s.Remove + s.Settle
}

// PruneReserve is what must remain before the pruner may visit another node.
func (s Schedule) PruneReserve() uint64 {
	return s.Visit + s.Remove
}

type Meter struct {
	limit uint64
	used  uint64
}

func NewMeter(limit uint64) *Meter {
	return &Meter{limit: limit}
}

func Unlimited() *Meter {
	return &Meter{limit: math.MaxUint64}
}

func (m *Meter) Limit() uint64 { return m.limit }

func (m *Meter) Used() uint64 { return m.used }

func (m *Meter) Remaining() uint64 {
	return m.limit - m.used
}

// Affords reports whether at least units remain.
func (m *Meter) Affords(units uint64) bool {
	return m.Remaining() >= units
}

// Consume charges units, saturating at the limit.
func (m *Meter) Consume(units uint64) {
	if units > m.Remaining() {
		m.used = m.limit
		return
	}
	m.used += units
}
