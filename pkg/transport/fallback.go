package transport

import (
	"errors"
	"log/slog"
	"sync"
)

// FallbackTransport routes through Primary and switches to Secondary when the
// primary cannot reach the secure element. Device status errors never trigger
// the switch. Traffic stays on the secondary until Release.
type FallbackTransport struct {
	primary   Transport
	secondary Transport
	log       *slog.Logger

	mu           sync.Mutex
	useSecondary bool
}

// NewFallback returns a transport preferring primary. A nil logger selects slog.Default.
func NewFallback(primary, secondary Transport, log *slog.Logger) *FallbackTransport {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackTransport{
		primary:   primary,
		secondary: secondary,
		log:       log.With("component", "transport", "kind", "fallback"),
	}
}

// unreachable reports whether a failed exchange means the link is down
// rather than the device refusing the command.
func unreachable(err error) bool {
	return err != nil && !errors.Is(err, ErrStatus)
}

func (f *FallbackTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.useSecondary {
		return f.secondary.Open()
	}
	err := f.primary.Open()
	if !unreachable(err) {
		return err
	}
	f.log.Info("primary transport unavailable, opening secondary", "error", err)
	if err := f.secondary.Open(); err != nil {
		return errors.Join(err, f.primary.Close())
	}
	f.useSecondary = true
	return nil
}

func (f *FallbackTransport) Send(apdu []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.useSecondary {
		return f.secondary.Send(apdu)
	}

	resp, err := f.primary.Send(apdu)
	if !unreachable(err) || errors.Is(err, ErrEmptyCommand) {
		return resp, err
	}

	f.log.Info("primary transport unavailable, relaying through secondary", "error", err)
	if openErr := f.secondary.Open(); openErr != nil {
		f.log.Error("secondary transport unavailable", "error", openErr)
		return resp, err
	}
	f.useSecondary = true
	return f.secondary.Send(apdu)
}

// Release closes the secondary and routes traffic through the primary again.
func (f *FallbackTransport) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.useSecondary {
		return nil
	}
	f.useSecondary = false
	f.log.Debug("releasing secondary transport")
	return f.secondary.Close()
}

// UsingSecondary reports whether traffic is currently relayed through the secondary.
func (f *FallbackTransport) UsingSecondary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.useSecondary
}

func (f *FallbackTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.useSecondary {
		return f.secondary.Close()
	}
	return f.primary.Close()
}

func (f *FallbackTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.useSecondary {
		return f.secondary.IsConnected()
	}
	return f.primary.IsConnected()
}
