package irq

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/nvic/internal/exception"
	"github.com/tinyrange/nvic/internal/pool"
)

type heapSlot struct{ pool.Heap }

// active is the process-wide registration used by the dispatch entry and
// the allocation hooks.
var active struct {
	mu         sync.Mutex
	controller atomic.Pointer[Controller]
	heap       atomic.Pointer[heapSlot]
}

func initialize(c *Controller) error {
	active.mu.Lock()
	defer active.mu.Unlock()
	if active.controller.Load() != nil || active.heap.Load() != nil {
		return ErrAlreadyActive
	}
	active.heap.Store(&heapSlot{c.pool})
	active.controller.Store(c)
	return nil
}

func deinitialize() {
	active.mu.Lock()
	defer active.mu.Unlock()
	active.controller.Store(nil)
	active.heap.Store(nil)
}

// Active returns the registered controller, or nil.
func Active() *Controller {
	return active.controller.Load()
}

// Allocate takes raw storage from the active controller's resource pool.
// It returns nil when no controller is active or the pool is full.
func Allocate(size uintptr) unsafe.Pointer {
	slot := active.heap.Load()
	if slot == nil {
		return nil
	}
	return slot.Allocate(size)
}

// Free returns storage obtained from Allocate.
func Free(ptr unsafe.Pointer) {
	slot := active.heap.Load()
	if slot == nil {
		return
	}
	slot.Free(ptr)
}

// HandleException runs the handler bound to n on the active controller.
// It performs no checks: it must only be installed for vectors that have
// an owner, and it panics when no controller is active or n is unbound.
func HandleException(n exception.Number) {
	active.controller.Load().shared.handlers[n].Start()
}

// HandleExceptionChecked is HandleException for untrusted vector numbers.
// Calls with no active controller, an invalid number or no owner are
// ignored.
func HandleExceptionChecked(n exception.Number) {
	c := active.controller.Load()
	if c == nil || !exception.Valid(n) {
		return
	}
	if h := c.shared.handlers[n]; h != nil {
		h.Start()
	}
}
