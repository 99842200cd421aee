package thread

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSeedSubject(t *testing.T) {
	cases := []struct {
		name string
		seed string
		want string
	}{
		{"single line", "Check Redis memory", "Check Redis memory"},
		{"multiline takes first line", "Check Redis memory\nand report back", "Check Redis memory"},
		{"leading blank lines skipped", "\n\n  investigate latency  \nmore", "investigate latency"},
		{"empty stays empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, SeedSubject(c.seed))
		})
	}
}

func TestSeedSubjectEllipsizesLongLines(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := SeedSubject(long)
	assert.Len(t, got, SubjectMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, strings.Repeat("x", SubjectMaxLen-3), strings.TrimSuffix(got, "..."))
}

func TestSeedSubjectTruncatesByRunes(t *testing.T) {
	long := strings.Repeat("é", 200)
	got := SeedSubject(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, SubjectMaxLen, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))

	// Multi-byte content at exactly the cap passes through untouched.
	exact := strings.Repeat("猫", SubjectMaxLen)
	assert.Equal(t, exact, SeedSubject(exact))
}

func TestSeedSubjectExactBoundary(t *testing.T) {
	exact := strings.Repeat("y", SubjectMaxLen)
	assert.Equal(t, exact, SeedSubject(exact))
}
