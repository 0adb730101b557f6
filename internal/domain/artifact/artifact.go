// Package artifact models short-lived images referenced by the comparator.
package artifact

import (
	"fmt"

	"github.com/google/uuid"
)

// Artifact is a stored image owned by exactly one unit of work.
// A handle returned by a store write carries only Key and ContentType;
// Data is filled when the artifact is loaded back from the store.
type Artifact struct {
	Key         string
	Data        []byte
	ContentType string
}

// NewKey returns a unique artifact key scoped to requestID.
func NewKey(prefix, requestID string) string {
	return fmt.Sprintf("%sartifact:%s:%s", prefix, requestID, uuid.NewString())
}
