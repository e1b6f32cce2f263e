// Package uuid wraps google/uuid with the id flavour this module needs.
package uuid

import guuid "github.com/google/uuid"

// NewOrdered returns a v7 id whose string form sorts by creation time.
// It falls back to v4 if the clock-sequence source fails.
func NewOrdered() string {
	id, err := guuid.NewV7()
	if err != nil {
		return guuid.NewString()
	}
	return id.String()
}
