package domain

import (
	"time"

	"github.com/google/uuid"
)

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}

// GenerateID generates a random unique identifier.
func GenerateID() string {
	return uuid.NewString()
}
