package ws

import "time"

type ConnInfo struct {
	ConnID      string
	SessionID   string
	ViewerID    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
