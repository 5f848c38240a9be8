package ble

import "errors"

// Failures surfaced on Central.Errors.
var (
	ErrPermissionDenied    = errors.New("ble: bluetooth permission denied")
	ErrServiceIncompatible = errors.New("ble: peripheral does not expose the required service")
	ErrWriteFailed         = errors.New("ble: characteristic write failed")
	ErrScanFailed          = errors.New("ble: scan failed")
)

// ErrLinkDropped is attached to progress of a job abandoned by teardown.
var ErrLinkDropped = errors.New("ble: link dropped")

// Intent rejections.
var (
	ErrNotReady         = errors.New("ble: link not ready")
	ErrTransferBusy     = errors.New("ble: transfer already in progress")
	ErrQueueFull        = errors.New("ble: transfer queue full")
	ErrConnectionActive = errors.New("ble: another connection is active")
	ErrAlreadyConnected = errors.New("ble: already connected")
	ErrClosed           = errors.New("ble: central closed")
)
