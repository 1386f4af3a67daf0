package domain

import "errors"

// Scan outcome taxonomy shared by the engine and the transport adapters.
var (
	// ErrDuplicateScan is informational. The engine never returns it, it
	// reports a suppressed scan through ScanResult.Reason instead.
	ErrDuplicateScan      = errors.New("duplicate scan")
	ErrUnboundDevice      = errors.New("device is not bound to a user")
	ErrProductNotFound    = errors.New("product not found")
	ErrOutOfStock         = errors.New("product is out of stock")
	ErrAlreadyBound       = errors.New("device or user already has an active binding")
	ErrTransientTransport = errors.New("transient transport failure")
	ErrInvalidScan        = errors.New("invalid scan event")
	ErrInvalidRequest     = errors.New("invalid request")
)
