package lifecycle

import "github.com/example/ride-dispatch/internal/models"

// next maps each status to its single allowed forward transition. Cancellation
// is handled separately: it is reachable from any non-terminal status.
var next = map[models.OrderStatus]models.OrderStatus{
	models.StatusPending:    models.StatusAssigned,
	models.StatusAssigned:   models.StatusEnroute,
	models.StatusEnroute:    models.StatusArrived,
	models.StatusArrived:    models.StatusInProgress,
	models.StatusInProgress: models.StatusCompleted,
}

// CanTransition reports whether from -> to is a legal forward step. Skipping
// a step or moving backward is never allowed.
func CanTransition(from, to models.OrderStatus) bool {
	n, ok := next[from]
	return ok && n == to
}

// CanCancel reports whether an order in the given status may be cancelled.
func CanCancel(from models.OrderStatus) bool {
	return !from.Terminal()
}
