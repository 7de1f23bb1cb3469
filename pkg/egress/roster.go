package egress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/mqtt"
)

// DeviceInfo is the static part of one roster entry.
type DeviceInfo struct {
	Key            model.DeviceKey
	DisplayName    string
	ConnectionType string
}

type rosterEntry struct {
	info     DeviceInfo
	status   model.DeviceStatus
	lastData time.Time
}

type rosterDevice struct {
	DeviceID       string             `json:"deviceId"`
	DeviceType     string             `json:"deviceType"`
	DisplayName    string             `json:"displayName,omitempty"`
	Status         model.DeviceStatus `json:"status"`
	ConnectionType string             `json:"connectionType,omitempty"`
	LastDataMs     int64              `json:"lastDataMs,omitempty"`
}

type rosterDoc struct {
	TS        model.Milli    `json:"ts"`
	TenantID  string         `json:"tenantId"`
	GatewayID string         `json:"gatewayId"`
	Devices   []rosterDevice `json:"devices"`
}

// Roster maintains the retained device-roster message of one gateway.
// Every status change republishes the full roster so late subscribers
// always see the current fleet.
type Roster struct {
	tenant  string
	gateway string
	topic   string
	pub     Publisher

	mu      sync.Mutex
	entries map[model.DeviceKey]*rosterEntry
}

// NewRoster creates a roster for one tenant+gateway pair, publishing to
// the given retained topic.
func NewRoster(tenant, gateway, topic string, pub Publisher) *Roster {
	return &Roster{
		tenant:  tenant,
		gateway: gateway,
		topic:   topic,
		pub:     pub,
		entries: make(map[model.DeviceKey]*rosterEntry),
	}
}

// Register adds or replaces a device entry and republishes.
func (r *Roster) Register(ctx context.Context, info DeviceInfo) {
	r.mu.Lock()
	r.entries[info.Key] = &rosterEntry{info: info}
	r.mu.Unlock()
	r.Publish(ctx)
}

// SetStatus records a device's session status and republishes.
func (r *Roster) SetStatus(ctx context.Context, key model.DeviceKey, status model.DeviceStatus) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.status = status
	}
	r.mu.Unlock()
	if ok {
		r.Publish(ctx)
	}
}

// OnData records the arrival time of a device frame. It does not
// republish; the timestamp rides along with the next status change.
func (r *Roster) OnData(key model.DeviceKey) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.lastData = time.Now()
	}
	r.mu.Unlock()
}

// Publish writes the retained roster message.
func (r *Roster) Publish(ctx context.Context) {
	r.mu.Lock()
	doc := rosterDoc{
		TS:        model.NowMilli(),
		TenantID:  r.tenant,
		GatewayID: r.gateway,
		Devices:   make([]rosterDevice, 0, len(r.entries)),
	}
	for _, e := range r.entries {
		d := rosterDevice{
			DeviceID:       e.info.Key.DeviceID,
			DeviceType:     e.info.Key.DeviceType,
			DisplayName:    e.info.DisplayName,
			Status:         e.status,
			ConnectionType: e.info.ConnectionType,
		}
		if !e.lastData.IsZero() {
			d.LastDataMs = e.lastData.UnixMilli()
		}
		doc.Devices = append(doc.Devices, d)
	}
	r.mu.Unlock()
	sort.Slice(doc.Devices, func(i, j int) bool {
		return doc.Devices[i].DeviceID < doc.Devices[j].DeviceID
	})

	body, err := json.Marshal(doc)
	if err != nil {
		slog.Error("roster marshal failed", "error", err)
		return
	}
	if err := r.pub.WriteToTopic(ctx, body, r.topic, mqtt.WithRetain(), mqtt.AtLeastOnce); err != nil {
		slog.Warn("roster publish failed", "topic", r.topic, "error", err)
	}
}
