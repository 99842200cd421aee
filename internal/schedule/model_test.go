package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterval(t *testing.T) {
	cases := []struct {
		typ  IntervalType
		val  int
		want time.Duration
	}{
		{Minutes, 5, 5 * time.Minute},
		{Hours, 1, time.Hour},
		{Days, 2, 48 * time.Hour},
		{Weeks, 1, 7 * 24 * time.Hour},
	}
	for _, c := range cases {
		sc := Schedule{IntervalType: c.typ, IntervalValue: c.val}
		assert.Equal(t, c.want, sc.Interval())
	}
}

func TestValidate(t *testing.T) {
	valid := Schedule{
		Name:          "memory check",
		IntervalType:  Hours,
		IntervalValue: 1,
		Instructions:  "Check Redis memory",
	}
	assert.NoError(t, valid.Validate())

	noName := valid
	noName.Name = ""
	assert.Error(t, noName.Validate())

	badType := valid
	badType.IntervalType = "fortnights"
	assert.Error(t, badType.Validate())

	badValue := valid
	badValue.IntervalValue = 0
	assert.Error(t, badValue.Validate())

	noInstructions := valid
	noInstructions.Instructions = ""
	assert.Error(t, noInstructions.Validate())
}

func TestMinuteSlot(t *testing.T) {
	at := time.Date(2025, 3, 7, 14, 30, 59, 0, time.UTC)
	assert.Equal(t, "20250307_1430", MinuteSlot(at))

	// Same minute, different seconds, same slot.
	assert.Equal(t, MinuteSlot(at), MinuteSlot(at.Add(-59*time.Second)))
	// Next minute is a different slot.
	assert.NotEqual(t, MinuteSlot(at), MinuteSlot(at.Add(time.Second)))
}
