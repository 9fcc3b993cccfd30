package session

import (
	"fmt"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/models"
)

// Trigger is something that happens to a session.
type Trigger string

const (
	TriggerOpen      Trigger = "open"
	TriggerHeartbeat Trigger = "heartbeat"
	TriggerClose     Trigger = "close"
	TriggerExpire    Trigger = "expire"
)

// Transition returns the state a session moves to when trigger fires in
// state from. Closed and expired are terminal.
func Transition(from models.SessionStatus, trigger Trigger) (models.SessionStatus, error) {
	switch from {
	case models.SessionNone:
		if trigger == TriggerOpen {
			return models.SessionActive, nil
		}
	case models.SessionActive:
		switch trigger {
		case TriggerHeartbeat:
			return models.SessionActive, nil
		case TriggerClose:
			return models.SessionClosed, nil
		case TriggerExpire:
			return models.SessionExpired, nil
		}
	}
	return from, invalidTransition(from, trigger)
}

func invalidTransition(from models.SessionStatus, trigger Trigger) error {
	state := string(from)
	if state == "" {
		state = "none"
	}
	return fmt.Errorf("%w: %s on %s session", ErrInvalidTransition, trigger, state)
}
