package bridge

import "fmt"

// Kind classifies the result of one bridged call.
type Kind int

const (
	// KindDelivered: the bus operation ran and reached its recipients.
	KindDelivered Kind = iota + 1
	// KindNotFound: a unicast target was unknown to the bus.
	KindNotFound
	// KindTimedOut: the caller's deadline elapsed before the loop finished.
	// The loop-side task keeps running detached.
	KindTimedOut
	// KindFailed: the bus operation itself returned an error.
	KindFailed
	// KindUnavailable: no reachable bus loop. This is a configuration fault,
	// not a failure of a single call.
	KindUnavailable
)

// Outcome is the typed result of Bridge.submit. Exactly one Outcome is
// produced per call and consumed once by the dispatcher.
type Outcome struct {
	Kind       Kind
	Recipients int
	Err        error
}

func Delivered(recipients int) Outcome { return Outcome{Kind: KindDelivered, Recipients: recipients} }
func NotFound() Outcome                { return Outcome{Kind: KindNotFound} }
func TimedOut() Outcome                { return Outcome{Kind: KindTimedOut} }
func Failed(err error) Outcome         { return Outcome{Kind: KindFailed, Err: err} }
func Unavailable() Outcome             { return Outcome{Kind: KindUnavailable} }

func (o Outcome) String() string {
	switch o.Kind {
	case KindDelivered:
		return fmt.Sprintf("delivered(%d)", o.Recipients)
	case KindNotFound:
		return "not_found"
	case KindTimedOut:
		return "timed_out"
	case KindFailed:
		return fmt.Sprintf("failed(%v)", o.Err)
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
