package playback

// Callbacks report rendition progress. They may be invoked from the
// renderer's own goroutine; owners must route them back onto their own
// scheduling loop before touching shared state.
type Callbacks struct {
	OnStart func()
	OnDone  func()
	OnError func(err error)
}

// Handle controls one in-flight rendition. Stop halts output; Release
// frees the underlying device resources. Both must tolerate being called
// after the rendition already finished.
type Handle interface {
	Stop()
	Release()
}

// Renderer turns one encoded audio payload into sound.
type Renderer interface {
	Play(data []byte, cb Callbacks) (Handle, error)
}
