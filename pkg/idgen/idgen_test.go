package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCycleIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := CycleID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "duplicate cycle id %s", id)
		seen[id] = true
	}
}
