// Package channel is the synchronous request/response boundary to the pf
// device. A Handle owns one open device and serialises requests on it.
package channel

import (
	"io/fs"
	"sync"
	"syscall"

	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/errors"
	"grimm.is/pfkit/internal/logging"
	"grimm.is/pfkit/internal/metrics"
)

// DefaultDevice is the pf control device.
const DefaultDevice = "/dev/pf"

// MaxAnchorLen is the longest anchor path pf accepts (MAXPATHLEN - 1).
const MaxAnchorLen = 1023

// Device is the operating system boundary: one blocking call per request.
// Do returns the raw response, a syscall.Errno when the kernel refuses, or
// any other error for transport failures.
type Device interface {
	Do(req Request) ([]byte, error)
	Close() error
}

// Requester is what the layers above need from a Handle.
type Requester interface {
	Request(req Request) ([]byte, error)
}

// Handle is an open control channel. At most one request is in flight per
// Handle; concurrent callers block on the mutex. There are no retries and
// no timeouts.
type Handle struct {
	mu      sync.Mutex
	dev     Device
	closed  bool
	logger  *logging.Logger
	metrics *metrics.Registry
	clock   clock.Clock
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the handle logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handle) { h.logger = l.WithComponent("channel") }
}

// WithClock sets the clock used for request latency.
func WithClock(c clock.Clock) Option {
	return func(h *Handle) { h.clock = c }
}

// Open opens the pf device at path. Missing privilege is PermissionDenied;
// any other failure is DeviceUnavailable.
func Open(path string, opts ...Option) (*Handle, error) {
	if path == "" {
		path = DefaultDevice
	}
	dev, err := openDevice(path)
	if err != nil {
		return nil, openError(path, err)
	}
	return OpenDevice(dev, opts...), nil
}

// OpenDevice wraps an already opened Device.
func OpenDevice(dev Device, opts ...Option) *Handle {
	h := &Handle{
		dev:     dev,
		logger:  logging.WithComponent("channel"),
		metrics: metrics.Get(),
		clock:   clock.Real,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func openError(path string, err error) error {
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, fs.ErrPermission) {
		return errors.Attr(errors.Wrap(errors.ErrPermissionDenied, errors.KindPermission, err.Error()), "device", path)
	}
	return errors.Attr(errors.Wrap(errors.ErrDeviceUnavailable, errors.KindUnavailable, err.Error()), "device", path)
}

// Request issues one request and blocks until the device answers. A kernel
// refusal comes back as a KindKernel error carrying the raw errno.
func (h *Handle) Request(req Request) ([]byte, error) {
	if len(req.Anchor) > MaxAnchorLen {
		return nil, errors.Errorf(errors.KindValidation, "anchor path longer than %d bytes", MaxAnchorLen)
	}
	if req.Kind != GetStates && !req.Ruleset.Valid() {
		return nil, errors.Errorf(errors.KindValidation, "unknown ruleset %d", uint8(req.Ruleset))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.Wrap(errors.ErrDeviceUnavailable, errors.KindUnavailable, "handle closed")
	}

	start := h.clock.Now()
	resp, err := h.dev.Do(req)
	elapsed := h.clock.Since(start)

	var errno syscall.Errno
	switch {
	case err == nil:
	case errors.GetKind(err) != errors.KindUnknown:
	case errors.As(err, &errno):
		err = errors.Rejected(req.Kind.String(), errno)
	default:
		err = errors.Wrap(err, errors.KindUnavailable, req.Kind.String())
	}

	h.metrics.RecordRequest(req.Kind.String(), err, elapsed.Seconds())
	attrs := append(req.logAttrs(), "duration", elapsed)
	if err != nil {
		h.logger.Debug("request failed", append(attrs, "error", err)...)
		return nil, err
	}
	h.logger.Debug("request done", append(attrs, "bytes", len(resp))...)
	return resp, nil
}

// Close releases the device. Later requests fail with DeviceUnavailable.
// Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.dev.Close()
}
