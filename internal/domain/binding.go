package domain

import "time"

// Binding associates one device with one user for a shopping session.
type Binding struct {
	DeviceID string    `json:"deviceId"`
	UserID   string    `json:"userId"`
	BoundAt  time.Time `json:"boundAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// IdleSince reports how long the binding has seen no scans.
func (b Binding) IdleSince(now time.Time) time.Duration {
	return now.Sub(b.LastSeen)
}
