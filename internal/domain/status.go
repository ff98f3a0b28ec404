package domain

// Status is the lifecycle state of a scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a scan in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Predecessors lists the states from which next is reachable in one step.
func Predecessors(next Status) []Status {
	var out []Status
	for from, tos := range transitions {
		for _, to := range tos {
			if to == next {
				out = append(out, from)
			}
		}
	}
	return out
}

// Category is the purpose assigned to a cookie by the classifier.
type Category string

const (
	CategoryAnalytics  Category = "Analytics"
	CategoryMarketing  Category = "Marketing"
	CategoryFunctional Category = "Functional"
	CategoryNecessary  Category = "Necessary"
	CategoryUnknown    Category = "Unknown"
)
