package platform

import (
	"github.com/google/uuid"
)

// NewID returns a fresh UUID string, used for staging directories and
// backup slot names.
func NewID() string {
	return uuid.New().String()
}
