package cancelbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArm_ProceedsWhenNotCancelled(t *testing.T) {
	b := New()

	proceed := b.Arm(func() {})

	assert.True(t, proceed)
}

func TestArm_RefusesIfAlreadyCancelled(t *testing.T) {
	b := New()
	b.Cancel() // cancel before dispatch

	proceed := b.Arm(func() { t.Fatal("interrupt must not run for a pre-dispatch cancel") })

	assert.False(t, proceed)
}

func TestCancel_InvokesInterruptExactlyOnceWhenConnected(t *testing.T) {
	b := New()
	calls := 0
	b.Arm(func() { calls++ })

	b.Cancel()
	b.Cancel() // second cancel must be a no-op

	assert.Equal(t, 1, calls)
}

func TestFinish_ReportsCancelledAndClearsInterruptState(t *testing.T) {
	b := New()
	b.Arm(func() {})
	b.Cancel()

	uncancelled := false
	cancelled := b.Finish(func() { uncancelled = true })

	assert.True(t, cancelled)
	assert.True(t, uncancelled, "Finish must clear engine-level interrupt state before reporting Cancelled")
}

func TestFinish_ReportsNotCancelledWhenBodyWinsRace(t *testing.T) {
	b := New()
	b.Arm(func() {})

	cancelled := b.Finish(func() { t.Fatal("uncancel must not run when never cancelled") })

	assert.False(t, cancelled)
}

func TestCancel_NotConnectedYetStillCancelsBeforeArm(t *testing.T) {
	b := New()

	b.Cancel()

	proceed := b.Arm(func() { t.Fatal("must not connect after a pending cancel") })
	assert.False(t, proceed)
}
