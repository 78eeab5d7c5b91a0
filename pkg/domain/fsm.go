package domain

// Allowed transitions between distinct states. EXPIRED and DELETED are
// terminal: no outgoing edges.
var allowedTransitions = map[[2]Status]struct{}{
	{StatusActive, StatusViewed}:  {},
	{StatusActive, StatusExpired}: {},
	{StatusViewed, StatusExpired}: {},
	{StatusActive, StatusDeleted}: {},
	{StatusViewed, StatusDeleted}: {},
}

// ValidateTransition decides whether moving a paste from current to next is
// legal. Same-state transitions are permitted no-ops. Unknown states fail
// like any forbidden pair. Pure function; every persisted status change must
// pass through it first.
func ValidateTransition(current, next Status) error {
	if !current.Known() || !next.Known() {
		return &TransitionError{From: current, To: next}
	}
	if current == next {
		return nil
	}
	if _, ok := allowedTransitions[[2]Status{current, next}]; !ok {
		return &TransitionError{From: current, To: next}
	}
	return nil
}
