package waldb

import (
	"sync"

	"waldb/logging"
)

// SuspensionController implements spec.md §4.8: cooperative suspend/resume
// of all writer work, advisory only — it helps an application avoid being
// killed for holding a write lock while its host process is about to be
// frozen. Reads remain serviceable in WAL mode while suspended.
type SuspensionController struct {
	mu        sync.Mutex
	suspended bool
	writer    *SerializedConnection
	log       *logging.Logger
}

// newSuspensionController wires a controller to writer. Suspend/Resume take
// effect immediately on writer's underlying connection, without dispatching
// onto its executor (spec.md §4.2), so they work even while the executor is
// busy running a long statement.
func newSuspensionController(writer *SerializedConnection) *SuspensionController {
	return &SuspensionController{
		writer: writer,
		log:    logging.Default().WithComponent("suspension_controller"),
	}
}

// Suspend installs the write-rejection hook: any subsequent write attempt
// on writer observes KindSuspended instead of running.
func (c *SuspensionController) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	c.suspended = true
	c.writer.Suspend()
	c.log.Database("database suspended")
}

// Resume removes the write-rejection hook.
func (c *SuspensionController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.suspended {
		return
	}
	c.suspended = false
	c.writer.Resume()
	c.log.Database("database resumed")
}

// IsSuspended reports the controller's current state.
func (c *SuspensionController) IsSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}
