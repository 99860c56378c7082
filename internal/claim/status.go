package claim

// Status is the lifecycle state of a DetectionResult
type Status string

const (
	StatusPending  Status = "pending"
	StatusReviewed Status = "reviewed"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
	StatusExpired  Status = "expired"
)

// Statuses lists every lifecycle status
var Statuses = []Status{StatusPending, StatusReviewed, StatusDisputed, StatusResolved, StatusExpired}

// transitions is the complete set of allowed forward moves. Anything not
// listed, including staying in place, is rejected.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReviewed: true,
		StatusDisputed: true,
		StatusResolved: true,
		StatusExpired:  true,
	},
	StatusReviewed: {
		StatusDisputed: true,
		StatusResolved: true,
		StatusExpired:  true,
	},
	StatusDisputed: {
		StatusResolved: true,
	},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusResolved || s == StatusExpired
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Expirable reports whether the deadline can still expire a result in s
func (s Status) Expirable() bool {
	return transitions[s][StatusExpired]
}

// CanTransition reports whether moving from s to next is in the table
func (s Status) CanTransition(next Status) bool {
	return transitions[s][next]
}

// ExpirableStatuses returns the statuses the deadline sweep may expire
func ExpirableStatuses() []Status {
	var out []Status
	for _, s := range Statuses {
		if s.Expirable() {
			out = append(out, s)
		}
	}
	return out
}

// OpenStatuses returns the non-terminal statuses
func OpenStatuses() []Status {
	var out []Status
	for _, s := range Statuses {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// ValidateTransition returns an *InvalidTransitionError when from -> to is
// not allowed. Resolving an already resolved result yields ErrAlreadyResolved.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return &InvalidTransitionError{From: from, To: to}
	}
	if from == StatusResolved && to == StatusResolved {
		return ErrAlreadyResolved
	}
	if !from.CanTransition(to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
