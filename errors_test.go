package waldb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErr_WrapsUnderlyingError(t *testing.T) {
	inner := errors.New("disk I/O error")

	err := engineErr(inner)

	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, KindEngine, e.Kind)
	assert.ErrorIs(t, err, inner)
}

func TestEngineErr_NilStaysNil(t *testing.T) {
	assert.NoError(t, engineErr(nil))
}

func TestCancelledErr_WrapsSentinel(t *testing.T) {
	err := cancelledErr()

	assert.ErrorIs(t, err, Cancelled)
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, KindCancelled, e.Kind)
}

func TestSuspendedErr_WrapsSentinel(t *testing.T) {
	err := suspendedErr()

	assert.ErrorIs(t, err, Suspended)
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, KindSuspended, e.Kind)
}

func TestFatal_PanicsWithMisuseError(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("fatal must panic")
		}
		me, ok := r.(misuseError)
		if !ok {
			t.Fatalf("expected misuseError panic payload, got %T", r)
		}
		assert.Equal(t, KindMisuse, me.Kind)
		assert.Contains(t, me.Error(), "boom")
	}()

	fatal("something went wrong: %s", "boom")
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindEngine:       "engine",
		KindCancelled:    "cancelled",
		KindSuspended:    "suspended",
		KindNotSupported: "not_supported",
		KindMisuse:       "misuse",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
