package flowtunnel

import "errors"

// ErrEmptyToken is reported when an `on` command arrives and the referenced credential holds no authtoken.
var ErrEmptyToken = errors.New("authtoken is empty")

// ProviderConnectError is reported when the provider refused or failed to open a tunnel.
// The message is the provider's own.
type ProviderConnectError struct {
	Err error
}

func (e *ProviderConnectError) Error() string {
	return e.Err.Error()
}

func (e *ProviderConnectError) Unwrap() error {
	return e.Err
}

// ProviderDisconnectError is reported when closing a tunnel failed. The local handle is dropped regardless.
type ProviderDisconnectError struct {
	Err error
}

func (e *ProviderDisconnectError) Error() string {
	return e.Err.Error()
}

func (e *ProviderDisconnectError) Unwrap() error {
	return e.Err
}
