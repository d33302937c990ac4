package service

import (
	"fulfillment-engine/internal/errs"
	"fulfillment-engine/internal/models"
)

var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusProcessing,
		models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	},
	models.OrderStatusProcessing: {
		models.OrderStatusShipped,
		models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	},
	models.OrderStatusShipped: {
		models.OrderStatusDelivered,
		models.OrderStatusRefunded,
	},
}

// IsTerminal reports whether no transition leaves the status
func IsTerminal(s models.OrderStatus) bool {
	return len(allowedTransitions[s]) == 0
}

// CanTransition reports whether from -> to is an edge of the order state machine
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidStateTransitionError for edges outside the state machine
func ValidateTransition(from, to models.OrderStatus) error {
	if !CanTransition(from, to) {
		return errs.NewInvalidStateTransitionError(string(from), string(to))
	}
	return nil
}
