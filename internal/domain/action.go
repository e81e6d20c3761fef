package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Action is the recommendation an advisory provider makes.
type Action string

const (
	ActionEnterLong    Action = "enter_long"
	ActionEnterShort   Action = "enter_short"
	ActionHold         Action = "hold"
	ActionClose        Action = "close"
	ActionPartialClose Action = "partial_close"
	ActionAdd          Action = "add"
)

// ParseAction accepts both snake_case and kebab-case spellings.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !a.IsValid() {
		return "", errors.Errorf("invalid action: %s", s)
	}
	return a, nil
}

// IsValid checks if the action is one of the known values.
func (a Action) IsValid() bool {
	switch a {
	case ActionEnterLong, ActionEnterShort, ActionHold,
		ActionClose, ActionPartialClose, ActionAdd:
		return true
	}
	return false
}

// IsEntry reports whether the action opens a new position.
func (a Action) IsEntry() bool {
	return a == ActionEnterLong || a == ActionEnterShort
}

// Mutates reports whether executing the action changes exchange state.
func (a Action) Mutates() bool {
	return a.IsValid() && a != ActionHold
}

// Operation returns the lease operation kind guarding the action.
func (a Action) Operation() Operation {
	switch a {
	case ActionClose, ActionPartialClose:
		return OperationClose
	default:
		return OperationOpen
	}
}

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}
