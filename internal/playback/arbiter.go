package playback

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the externally visible playback position of the arbiter.
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StatePlaying State = "playing"
)

// Outcome is how one item left the arbiter.
type Outcome string

const (
	OutcomeEnded     Outcome = "ended"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeErrored   Outcome = "errored"
	OutcomeDiscarded Outcome = "discarded"
)

type ItemEventKind int

const (
	ItemStarted ItemEventKind = iota
	ItemDone
	ItemFailed
)

// ItemEvent is a rendition progress report tagged with the item it
// belongs to. Renderer callbacks produce these on renderer goroutines;
// the owner must feed them back through Apply on its own loop.
type ItemEvent struct {
	ID   uuid.UUID
	Kind ItemEventKind
	Err  error
}

type itemState int

const (
	itemPending itemState = iota
	itemPlaying
	itemEnded
	itemCancelled
	itemErrored
)

type item struct {
	id       uuid.UUID
	state    itemState
	handle   Handle
	released bool
}

func (it *item) release() {
	if it.released || it.handle == nil {
		return
	}
	it.released = true
	it.handle.Release()
}

// Arbiter owns at most one bot audio item at a time and resolves
// conflicts between newly arrived audio and user interruption. It is not
// safe for concurrent use: every method must be called from the owning
// scheduling loop.
type Arbiter struct {
	renderer Renderer
	post     func(ItemEvent)
	current  *item
}

// New builds an arbiter over renderer. post receives rendition progress
// events and must hand them back to Apply from the owner's loop.
func New(renderer Renderer, post func(ItemEvent)) *Arbiter {
	return &Arbiter{renderer: renderer, post: post}
}

// State reports the current playback position.
func (a *Arbiter) State() State {
	switch {
	case a.current == nil:
		return StateIdle
	case a.current.state == itemPlaying:
		return StatePlaying
	default:
		return StatePending
	}
}

// Offer adopts a newly arrived audio payload. If the user is speaking the
// payload is discarded outright. Otherwise any previous item is cancelled
// and released before the new one starts.
func (a *Arbiter) Offer(data []byte, userSpeaking bool) (Outcome, error) {
	if userSpeaking {
		return OutcomeDiscarded, nil
	}
	a.cancelCurrent()

	id := uuid.New()
	handle, err := a.renderer.Play(data, Callbacks{
		OnStart: func() { a.post(ItemEvent{ID: id, Kind: ItemStarted}) },
		OnDone:  func() { a.post(ItemEvent{ID: id, Kind: ItemDone}) },
		OnError: func(err error) { a.post(ItemEvent{ID: id, Kind: ItemFailed, Err: err}) },
	})
	if err != nil {
		return OutcomeErrored, fmt.Errorf("start playback: %w", err)
	}
	a.current = &item{id: id, state: itemPending, handle: handle}
	return "", nil
}

// Apply folds a rendition progress event into the arbiter. Events for an
// item that is no longer current are stale and ignored; its resources
// were already released when it was cancelled. The returned outcome is
// non-empty only when the event terminated the current item.
func (a *Arbiter) Apply(ev ItemEvent) Outcome {
	it := a.current
	if it == nil || it.id != ev.ID {
		return ""
	}
	switch ev.Kind {
	case ItemStarted:
		if it.state == itemPending {
			it.state = itemPlaying
		}
		return ""
	case ItemDone:
		it.state = itemEnded
		it.release()
		a.current = nil
		return OutcomeEnded
	case ItemFailed:
		it.state = itemErrored
		it.release()
		a.current = nil
		return OutcomeErrored
	}
	return ""
}

// InterruptForSpeech cancels any Playing or Pending item because the user
// started speaking. Reports whether an item was actually cut off, so the
// caller can raise its transient interruption indicator.
func (a *Arbiter) InterruptForSpeech() bool {
	if a.current == nil {
		return false
	}
	a.cancelCurrent()
	return true
}

// ForceEnd clears the current item, if any. Used when the server signals
// the end of bot speech.
func (a *Arbiter) ForceEnd() {
	a.cancelCurrent()
}

// Shutdown cancels and releases everything. Idempotent.
func (a *Arbiter) Shutdown() {
	a.cancelCurrent()
}

func (a *Arbiter) cancelCurrent() {
	it := a.current
	if it == nil {
		return
	}
	it.state = itemCancelled
	if it.handle != nil {
		it.handle.Stop()
	}
	it.release()
	a.current = nil
}
