// Package model provides the shared data types of the gateway: device
// addressing, device status, sampled frames, PLC values, and user plans.
package model

import (
	"encoding/json"
	"fmt"
)

// DeviceKey is the global address of a device instance. It is the routing
// key for both ingress (plan/hb/leave) and egress (data) traffic.
type DeviceKey struct {
	TenantID   string
	GatewayID  string
	DeviceID   string
	DeviceType string
}

// String returns the canonical form "{tenant}/{gateway}/{type}/{device}".
func (k DeviceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.TenantID, k.GatewayID, k.DeviceType, k.DeviceID)
}

// DeviceStatus represents the lifecycle state of a device session.
type DeviceStatus int

const (
	StatusDisconnected DeviceStatus = iota
	StatusConnecting
	StatusConnected
	StatusStreaming
	StatusFaulted
)

// String returns the string representation of the status.
func (s DeviceStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusStreaming:
		return "streaming"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *DeviceStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "disconnected":
		*s = StatusDisconnected
	case "connecting":
		*s = StatusConnecting
	case "connected":
		*s = StatusConnected
	case "streaming":
		*s = StatusStreaming
	case "faulted":
		*s = StatusFaulted
	default:
		*s = StatusDisconnected
	}
	return nil
}
