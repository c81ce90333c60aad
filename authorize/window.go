package authorize

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrPopupBlocked is returned when the authorization window couldn't be opened
var ErrPopupBlocked = errors.New("The authorization window was blocked. Allow popups and try again")

// Window is an open authorization page
type Window interface {
	// Closed returns true once the user or Close has closed the window
	Closed() bool
	// Close closes the window. Safe to call more than once
	Close() error
}

// Opener opens authorization windows
type Opener interface {
	Open(ctx context.Context, url string) (Window, error)
}

// OpenerFunc adapts a function to an Opener
type OpenerFunc func(ctx context.Context, url string) (Window, error)

// Open implements Opener
func (o OpenerFunc) Open(ctx context.Context, url string) (Window, error) {
	return o(ctx, url)
}

// RemoteWindow is a window opened by a remote UI, which reports back when it closes
type RemoteWindow struct {
	URL    string
	closed atomic.Bool
}

// Closed implements Window
func (r *RemoteWindow) Closed() bool {
	return r.closed.Load()
}

// Close implements Window
func (r *RemoteWindow) Close() error {
	r.closed.Store(true)
	return nil
}

// RemoteOpener hands authorization URLs to a remote UI instead of opening them locally
type RemoteOpener struct {
	mu      sync.Mutex
	current *RemoteWindow
}

// Open implements Opener. The remote UI is expected to open url itself
func (r *RemoteOpener) Open(ctx context.Context, url string) (Window, error) {
	if url == "" {
		return nil, ErrPopupBlocked
	}
	window := &RemoteWindow{URL: url}
	r.mu.Lock()
	r.current = window
	r.mu.Unlock()
	return window, nil
}

// Current returns the most recently opened window, or nil
func (r *RemoteOpener) Current() *RemoteWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ReportClosed records the remote UI closed the current window
func (r *RemoteOpener) ReportClosed() bool {
	window := r.Current()
	if window == nil {
		return false
	}
	window.Close()
	return true
}
