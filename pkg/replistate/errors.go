package replistate

import "errors"

// Sentinel errors the Engine returns. QuotaExceeded is not redeclared here:
// callers recognize it via store.ErrQuotaExceeded, wrapped unmodified as it
// crosses the Adapter boundary.
var (
	// ErrBusy is returned immediately when Initialize/Record/Sync is called
	// while another one of those three is already in flight. There is no
	// queue; the caller must retry.
	ErrBusy = errors.New("replistate: engine busy")

	// ErrUnsupportedVersion is returned when a discovered peer Meta
	// advertises a protocol version below ProtocolVersion.
	ErrUnsupportedVersion = errors.New("replistate: unsupported protocol version")

	// ErrNotInitialized is returned by Record/Sync/DebugSnapshot if called
	// before Initialize has completed successfully.
	ErrNotInitialized = errors.New("replistate: engine not initialized")
)
