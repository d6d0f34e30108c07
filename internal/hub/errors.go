package hub

import "errors"

// Sentinel errors for the hub package.
var (
	// ErrAdmissionDenied is returned by Connect when the tenant is at its connection cap.
	ErrAdmissionDenied = errors.New("tenant connection cap reached")

	// ErrTransientStore is returned by Connect when the tenant row could not be loaded.
	ErrTransientStore = errors.New("transient store failure")

	// ErrHubClosed is returned by Connect after Shutdown.
	ErrHubClosed = errors.New("hub is shut down")
)

const (
	// CloseRestart is the close code sent to every session on server shutdown (RFC 6455 1012, Service Restart).
	CloseRestart = 1012

	// restartReason is the close reason accompanying CloseRestart.
	restartReason = "new server being deployed"
)
