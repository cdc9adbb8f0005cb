package gateway

import "fmt"

// RegistrationError reports an attempt to register a channel or agent
// under an id that is already taken.
type RegistrationError struct {
	Kind string // "channel" or "agent"
	ID   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Kind, e.ID)
}
