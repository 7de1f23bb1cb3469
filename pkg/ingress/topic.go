// Package ingress routes control messages from the cloud broker to
// device sessions: plan applies, heartbeats, and leave notices.
package ingress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twinsync/gateway/pkg/model"
)

// TopicRoot is the first segment of every gateway topic.
const TopicRoot = "twinsync"

// Verb is a control-topic action.
type Verb string

const (
	VerbPlan  Verb = "plan"
	VerbHB    Verb = "hb"
	VerbLeave Verb = "leave"
)

// ErrBadTopic is wrapped by every topic parse failure.
var ErrBadTopic = errors.New("ingress: bad topic")

// Control is a parsed control topic:
// twinsync/{tenant}/{gateway}/{verb}/{deviceType}/{deviceId}/{userId}.
type Control struct {
	Key  model.DeviceKey
	Verb Verb
	User string
}

// ParseControl parses a control topic. Empty segments (doubled or
// leading/trailing slashes) are dropped before counting; anything but
// exactly seven remaining segments is rejected. The root and verb
// segments match case-insensitively; tenant, gateway, device, and user
// segments are case-sensitive.
func ParseControl(topic string) (Control, error) {
	parts := make([]string, 0, 7)
	for _, p := range strings.Split(topic, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) != 7 {
		return Control{}, fmt.Errorf("%w: %q has %d segments, want 7", ErrBadTopic, topic, len(parts))
	}
	if !strings.EqualFold(parts[0], TopicRoot) {
		return Control{}, fmt.Errorf("%w: root %q", ErrBadTopic, parts[0])
	}
	var verb Verb
	switch {
	case strings.EqualFold(parts[3], string(VerbPlan)):
		verb = VerbPlan
	case strings.EqualFold(parts[3], string(VerbHB)):
		verb = VerbHB
	case strings.EqualFold(parts[3], string(VerbLeave)):
		verb = VerbLeave
	default:
		return Control{}, fmt.Errorf("%w: verb %q", ErrBadTopic, parts[3])
	}
	return Control{
		Key: model.DeviceKey{
			TenantID:   parts[1],
			GatewayID:  parts[2],
			DeviceType: parts[4],
			DeviceID:   parts[5],
		},
		Verb: verb,
		User: parts[6],
	}, nil
}

// ControlPatterns returns the broker subscription patterns covering the
// three control verbs of one gateway.
func ControlPatterns(tenant, gateway string) []string {
	out := make([]string, 0, 3)
	for _, verb := range []Verb{VerbPlan, VerbHB, VerbLeave} {
		out = append(out, fmt.Sprintf("%s/%s/%s/%s/+/+/+", TopicRoot, tenant, gateway, verb))
	}
	return out
}

// DataTopic returns the egress data topic for one device.
func DataTopic(key model.DeviceKey) string {
	return fmt.Sprintf("%s/%s/%s/data/%s/%s", TopicRoot, key.TenantID, key.GatewayID, key.DeviceType, key.DeviceID)
}

// RosterTopic returns the retained device-roster topic of one gateway.
func RosterTopic(tenant, gateway string) string {
	return fmt.Sprintf("%s/%s/%s/devices", TopicRoot, tenant, gateway)
}
