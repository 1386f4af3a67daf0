package domain

import (
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionRemove
}

// Origin names the transport a scan arrived on. It is only used for
// notification routing and metrics.
type Origin string

const (
	OriginHTTP Origin = "http"
	OriginPush Origin = "push"
)

// ReasonDuplicate is reported for scans suppressed by the cooldown window.
const ReasonDuplicate = "duplicate"

// ScanEvent is the single internal shape both transports translate into.
// Either DeviceID (hardware) or UserID (authenticated browser or simulator)
// identifies the owner; UserID wins when both are set.
type ScanEvent struct {
	DeviceID   string
	UserID     string
	RFIDTag    string
	Action     Action
	ReceivedAt time.Time
	Origin     Origin
}

// DedupKey is the key the cooldown window is tracked under.
func (e ScanEvent) DedupKey() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return "user:" + e.UserID
}

func (e ScanEvent) Validate() error {
	if strings.TrimSpace(e.RFIDTag) == "" {
		return fmt.Errorf("%w: rfid tag is required", ErrInvalidScan)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: action must be %q or %q", ErrInvalidScan, ActionAdd, ActionRemove)
	}
	if e.DeviceID == "" && e.UserID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidScan, ErrUnboundDevice)
	}
	return nil
}

// ScanResult is the acknowledgment for one scan. Applied is false only for
// duplicates; failures are reported as errors.
type ScanResult struct {
	Applied bool        `json:"applied"`
	Reason  string      `json:"reason,omitempty"`
	Action  Action      `json:"action"`
	UserID  string      `json:"userId,omitempty"`
	Cart    *Cart       `json:"cart,omitempty"`
	Product *Product    `json:"product,omitempty"`
	Stock   *StockLevel `json:"stock,omitempty"`
}
