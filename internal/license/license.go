// Package license is the boundary port to the licensing backend. The server
// validates once at startup; a failed validation is a startup error.
package license

import "context"

// Validator checks that this installation may run extractions.
type Validator interface {
	Validate(ctx context.Context) error
}

// AlwaysValid accepts every installation. It is the only implementation
// shipped here; real deployments plug their backend in through the port.
type AlwaysValid struct{}

// Validate implements Validator.
func (AlwaysValid) Validate(context.Context) error { return nil }
