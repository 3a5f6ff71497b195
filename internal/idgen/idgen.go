// Package idgen generates the boot identifier attached to every kernel
// instance and its log records. Callers treat identifiers as opaque strings.
package idgen

import "github.com/google/uuid"

// NewFunc returns a new globally unique identifier. Tests may stub it.
var NewFunc = func() string { return uuid.New().String() }

// New returns a new boot identifier.
func New() string { return NewFunc() }
