package dispatch

// OutcomeKind classifies what happened to one subscriber for one event.
type OutcomeKind uint8

const (
	OutcomeDelivered      OutcomeKind = iota // message sent
	OutcomeFiltered                          // operation yielded no value
	OutcomeStartFailed                       // engine could not start the operation
	OutcomeValueFailed                       // pulling the value failed
	OutcomeDeliveryFailed                    // sending failed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeStartFailed:
		return "start_failed"
	case OutcomeValueFailed:
		return "value_failed"
	case OutcomeDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome is a handled failure.
func (k OutcomeKind) Failed() bool {
	return k >= OutcomeStartFailed
}

// Outcome is the completed result for one subscriber. Err is set for failures.
type Outcome struct {
	ConnectionID string
	OperationID  string
	Kind         OutcomeKind
	Err          error
}

// Report summarizes the dispatch of one event.
type Report struct {
	Event    string
	Pages    int
	Outcomes []Outcome
}

// Count returns the number of outcomes of the given kind.
func (r Report) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Failures returns the outcomes that failed.
func (r Report) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Kind.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}
