package capture

import "sync"

// ScriptDevice is an in-process Device fed by the test or demo harness.
type ScriptDevice struct {
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

func NewScriptDevice(buffer int) *ScriptDevice {
	if buffer <= 0 {
		buffer = 64
	}
	return &ScriptDevice{frames: make(chan Frame, buffer)}
}

// Push enqueues one frame. Pushes after Close are dropped.
func (d *ScriptDevice) Push(f Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.frames <- f
}

func (d *ScriptDevice) Frames() <-chan Frame { return d.frames }

func (d *ScriptDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.frames)
	return nil
}
