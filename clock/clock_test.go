package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestVirtualClockAdvanceIsMonotonic(t *testing.T) {
	c := NewVirtualClock()
	require.Equal(t, uint64(0), c.Now())
	c.Advance(1000)
	assert.Equal(t, uint64(1000), c.Now())
	c.Advance(500)
	assert.Equal(t, uint64(1500), c.Now())
	assert.Equal(t, uint64(1), c.NowUS())
}

func TestWheelFiresInFIFOOrderOnTies(t *testing.T) {
	c := NewVirtualClock()
	w := NewWheel(c)

	var fired []string
	a := w.Register("a", func(uint64) { fired = append(fired, "a") })
	b := w.Register("b", func(uint64) { fired = append(fired, "b") })
	ccID := w.Register("c", func(uint64) { fired = append(fired, "c") })

	w.Activate(b, 1000, 0)
	w.Activate(a, 1000, 0)
	w.Activate(ccID, 1000, 0)

	w.Poll(1000)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestWheelPeriodicRearms(t *testing.T) {
	c := NewVirtualClock()
	w := NewWheel(c)
	count := 0
	id := w.Register("periodic", func(uint64) { count++ })
	w.Activate(id, 100, 100)

	w.Poll(100)
	w.Poll(150) // not yet due again
	w.Poll(200)
	w.Poll(300)

	assert.Equal(t, 3, count)
	due, ok := w.NextDue()
	require.True(t, ok)
	assert.Equal(t, uint64(400), due)
}

func TestWheelOneShotDeactivates(t *testing.T) {
	c := NewVirtualClock()
	w := NewWheel(c)
	count := 0
	id := w.Register("oneshot", func(uint64) { count++ })
	w.Activate(id, 50, 0)
	w.Poll(50)
	w.Poll(100)
	assert.Equal(t, 1, count)
	_, ok := w.NextDue()
	assert.False(t, ok)
}

func TestWheelDeactivateCancelsPendingFire(t *testing.T) {
	c := NewVirtualClock()
	w := NewWheel(c)
	fired := false
	id := w.Register("cancelable", func(uint64) { fired = true })
	w.Activate(id, 10, 0)
	w.Deactivate(id)
	w.Poll(100)
	assert.False(t, fired)
}

// Timer-wheel ordering property: firing order for any set of due
// times honors due-time then registration order, regardless of how many
// timers share a tick or in what order they were activated.
func TestWheelOrderingIsDueTimeThenRegistrationOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := NewVirtualClock()
		w := NewWheel(c)

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		type want struct {
			id  TimerID
			due uint64
			seq int
		}
		var specs []want
		var fired []int
		for i := 0; i < n; i++ {
			idx := i
			id := w.Register("t", func(uint64) { fired = append(fired, idx) })
			due := uint64(rapid.IntRange(0, 3).Draw(rt, "due")) * 10
			specs = append(specs, want{id: id, due: due, seq: idx})
		}
		for _, s := range specs {
			w.Activate(s.id, s.due, 0)
		}
		w.Poll(30)

		expectedOrder := append([]want(nil), specs...)
		for i := 0; i < len(expectedOrder); i++ {
			for j := i + 1; j < len(expectedOrder); j++ {
				if expectedOrder[j].due < expectedOrder[i].due ||
					(expectedOrder[j].due == expectedOrder[i].due && expectedOrder[j].seq < expectedOrder[i].seq) {
					expectedOrder[i], expectedOrder[j] = expectedOrder[j], expectedOrder[i]
				}
			}
		}
		require.Equal(rt, len(specs), len(fired))
		for i, s := range expectedOrder {
			assert.Equal(rt, s.seq, fired[i])
		}
	})
}
