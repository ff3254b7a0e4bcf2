package experiment

import "codeberg.org/mutker/pvctl/internal/model"

// transitions lists the legal moves out of each status. Terminal statuses
// have none.
var transitions = map[model.Status][]model.Status{
	model.StatusPending: {model.StatusRunning},
	model.StatusRunning: {model.StatusCompleted, model.StatusCancelled, model.StatusFailed},
}

// CanTransition reports whether an experiment may move from one status to
// another.
func CanTransition(from, to model.Status) bool {
	if from.IsTerminal() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsFinal reports whether s is a status an experiment may be stopped with.
func IsFinal(s model.Status) bool {
	return CanTransition(model.StatusRunning, s)
}
