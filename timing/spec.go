// Package timing computes when a sequence step may next run.
//
// CalculateNextRun is a pure function of the current instant, the step's
// timing and an optional business-hours window. It never blocks and never
// reads the wall clock; callers pass now from an injected clock.
package timing

// Unit is the unit of a delay amount.
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
)

// Minutes converts amount of u to whole minutes. Unknown units are minutes.
func (u Unit) Minutes(amount int) int {
	if amount <= 0 {
		return 0
	}
	switch u {
	case UnitHours:
		return amount * 60
	case UnitDays:
		return amount * 24 * 60
	default:
		return amount
	}
}

// Mode is an email step's timing.
type Mode string

const (
	ModeUnspecified Mode = ""
	ModeImmediate   Mode = "IMMEDIATE"
	ModeDelay       Mode = "DELAY"
)

// Delay defaults in minutes
const (
	DefaultDelayMinutes     = 60 // DELAY without an amount
	UnspecifiedDelayMinutes = 30 // email step without a timing mode
)

// Spec is the timing of one step: a Wait or an Email.
type Spec interface {
	isSpec()
}

// Wait pauses the sequence for Amount of Unit.
type Wait struct {
	Amount int
	Unit   Unit
}

// Email sends immediately or after a delay.
type Email struct {
	Mode        Mode
	DelayAmount int
	Unit        Unit
}

func (Wait) isSpec()  {}
func (Email) isSpec() {}

// BaseDelayMinutes returns the delay a step requests before business hours apply.
func BaseDelayMinutes(s Spec) int {
	switch v := s.(type) {
	case Wait:
		return v.Unit.Minutes(v.Amount)
	case Email:
		switch v.Mode {
		case ModeImmediate:
			return 0
		case ModeDelay:
			if v.DelayAmount <= 0 {
				return DefaultDelayMinutes
			}
			return v.Unit.Minutes(v.DelayAmount)
		default:
			return UnspecifiedDelayMinutes
		}
	default:
		return UnspecifiedDelayMinutes
	}
}
