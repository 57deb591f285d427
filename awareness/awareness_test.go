package awareness

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestScoreStaysInBounds(t *testing.T) {
	a := New(8, nil)

	for i := 0; i < 20; i++ {
		s := a.ApplyDelta(1)
		assert.Assert(t, s >= 0 && s <= 8)
	}
	assert.Equal(t, a.Score(), 8)

	for i := 0; i < 20; i++ {
		s := a.ApplyDelta(-1)
		assert.Assert(t, s >= 0 && s <= 8)
	}
	assert.Equal(t, a.Score(), 0)
}

func TestScaleTimeoutScalesWithScore(t *testing.T) {
	a := New(8, nil)
	base := 100 * time.Millisecond

	assert.Equal(t, a.ScaleTimeout(base), base) // score 0 => x1

	a.ApplyDelta(2)
	assert.Equal(t, a.ScaleTimeout(base), 3*base) // (1+2)x
}
