package playback

import "sync"

// ScriptRenderer is a manually driven Renderer for tests and demos. Each
// Play records a ScriptHandle; the test fires its callbacks by hand.
type ScriptRenderer struct {
	mu      sync.Mutex
	handles []*ScriptHandle

	// PlayErr, when set, makes the next Play fail without producing a handle.
	PlayErr error
}

func NewScriptRenderer() *ScriptRenderer { return &ScriptRenderer{} }

func (r *ScriptRenderer) Play(data []byte, cb Callbacks) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PlayErr != nil {
		err := r.PlayErr
		r.PlayErr = nil
		return nil, err
	}
	h := &ScriptHandle{Data: data, cb: cb}
	r.handles = append(r.handles, h)
	return h, nil
}

// Handles returns every handle issued so far, in Play order.
func (r *ScriptRenderer) Handles() []*ScriptHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ScriptHandle, len(r.handles))
	copy(out, r.handles)
	return out
}

// ScriptHandle records control calls and lets tests fire progress
// callbacks on demand.
type ScriptHandle struct {
	Data []byte

	mu       sync.Mutex
	cb       Callbacks
	stops    int
	releases int
}

func (h *ScriptHandle) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
}

func (h *ScriptHandle) Release() {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()
}

func (h *ScriptHandle) Stops() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

func (h *ScriptHandle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

func (h *ScriptHandle) FireStart() {
	if h.cb.OnStart != nil {
		h.cb.OnStart()
	}
}

func (h *ScriptHandle) FireDone() {
	if h.cb.OnDone != nil {
		h.cb.OnDone()
	}
}

func (h *ScriptHandle) FireError(err error) {
	if h.cb.OnError != nil {
		h.cb.OnError(err)
	}
}
