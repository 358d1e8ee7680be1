package ssh

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "sftp-init", "open")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates a later pass may succeed
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the error is worth retrying on a later pass.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
