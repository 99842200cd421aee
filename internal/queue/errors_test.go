package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("dial tcp: timeout")))
	assert.Equal(t, KindPermanent, Classify(Permanent(errors.New("bad args"))))
	assert.Equal(t, KindPolicy, Classify(Policy(errors.New("iteration cap"))))
	assert.Equal(t, KindPolicy, Classify(ErrDuplicate))
	assert.Equal(t, KindPolicy, Classify(context.Canceled))
}

func TestClassifyWrapped(t *testing.T) {
	err := fmt.Errorf("turn: %w", Permanent(errors.New("unknown fn")))
	assert.Equal(t, KindPermanent, Classify(err))

	err = fmt.Errorf("submit: %w", ErrDuplicate)
	assert.Equal(t, KindPolicy, Classify(err))
}

func TestPermanentPreservesMessageAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	assert.EqualError(t, err, "boom")
	assert.ErrorIs(t, err, base)
}

func TestMarkersPassNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Policy(nil))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(5*time.Second, 0))
	assert.Equal(t, 10*time.Second, Backoff(5*time.Second, 1))
	assert.Equal(t, 20*time.Second, Backoff(5*time.Second, 2))
	// Zero initial delay falls back to one second.
	assert.Equal(t, 2*time.Second, Backoff(0, 1))
}
