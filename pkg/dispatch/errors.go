package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGatewayStopped is returned by Submit once the gateway has been stopped.
	ErrGatewayStopped = errors.New("gateway stopped")
	// ErrGatewayBusy is returned by Submit when the submission buffer is full.
	ErrGatewayBusy = errors.New("gateway submission buffer full")
)

// TransportFailure is a connection-level failure with no per-notification detail.
type TransportFailure struct {
	NotificationID string
	Err            error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport failure for notification %s: %v", e.NotificationID, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// ProviderRejection is a per-notification rejection reported by the provider.
type ProviderRejection struct {
	NotificationID string
	DeviceToken    string
	StatusCode     int
	Reason         string
	// TokenInvalid is set when the reason means the token will never be deliverable.
	TokenInvalid bool
	// Timestamp is when the provider last knew the token to be valid, if reported.
	Timestamp time.Time
}

func (e *ProviderRejection) Error() string {
	return fmt.Sprintf("provider rejected notification %s (status %d, reason %s, token %s)",
		e.NotificationID, e.StatusCode, e.Reason, e.DeviceToken)
}

// StorageError wraps an I/O failure in the queue or subscriber store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// EncodingError means a pending notification cannot be turned into a payload.
type EncodingError struct {
	NotificationID string
	Reason         string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode notification %s: %s", e.NotificationID, e.Reason)
}
