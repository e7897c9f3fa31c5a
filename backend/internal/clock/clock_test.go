package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceFiresDueWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := Fake(start)

	short := fc.After(time.Second)
	long := fc.After(time.Minute)
	require.Equal(t, 2, fc.Pending())

	fc.Advance(time.Second)
	select {
	case got := <-short:
		assert.Equal(t, start.Add(time.Second), got)
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	assert.Equal(t, 1, fc.Pending())
	assert.Equal(t, start.Add(time.Second), fc.Now())
}

func TestFakeClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	fc := Fake(time.Unix(0, 0))
	select {
	case <-fc.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	assert.Equal(t, 0, fc.Pending())
}
