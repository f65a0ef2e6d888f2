package certmgr

import (
	"errors"
	"fmt"
)

var (
	ErrNoCertificate = errors.New("No certificate available")
)

// ConfigError is a recoverable configuration problem: the offending insert
// or rotation is rejected, the manager keeps serving its previous state.
type ConfigError struct {
	Domain string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Domain == "" {
		return fmt.Sprintf("certmgr config: %s", e.reason())
	}
	return fmt.Sprintf("certmgr config %s: %s", e.Domain, e.reason())
}

func (e *ConfigError) reason() string {
	if e.Err != nil {
		if e.Reason != "" {
			return e.Reason + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// InvariantError means the configuration can't be served correctly at
// handshake time, like two certificates claiming the exact same domain in
// strict mode. The host should treat it as fatal and restart with a fixed
// configuration.
type InvariantError struct {
	Domain string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("certmgr invariant %s: %s", e.Domain, e.Reason)
}
