package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twinsync/gateway/pkg/egress"
	"github.com/twinsync/gateway/pkg/ingress"
	"github.com/twinsync/gateway/pkg/model"
	"github.com/twinsync/gateway/pkg/mqtt"
	"github.com/twinsync/gateway/pkg/plc"
	"github.com/twinsync/gateway/pkg/robot"
	"github.com/twinsync/gateway/pkg/session"
)

// ErrNoPlcDriver is returned when a PLC entry names a network address:
// only the simulator transport ships with the gateway, real drivers are
// injected through Options.PlcTransport.
var ErrNoPlcDriver = errors.New("gateway: no plc driver for network address")

// Options customizes gateway assembly, mainly for tests and simulation.
type Options struct {
	// RobotTransport overrides robot transport construction. Nil keeps
	// the default: TCP, or the simulator when addr is "sim".
	RobotTransport func(RobotDevice) robot.Transport

	// PlcTransport overrides PLC transport construction. Nil keeps the
	// default, which only knows the simulator.
	PlcTransport func(PlcDevice) (plc.Transport, error)

	// DialOptions are appended to the broker dial.
	DialOptions []mqtt.DialOption
}

// deviceSession is the common surface of robot and PLC sessions.
type deviceSession interface {
	ingress.Target
	Key() model.DeviceKey
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Gateway is one assembled edge gateway instance.
type Gateway struct {
	cfg  *Config
	opts Options

	conn     *mqtt.Conn
	registry *ingress.Registry
	pump     *egress.Pump
	roster   *egress.Roster
	sessions []deviceSession
}

// New creates an unstarted gateway.
func New(cfg *Config, opts Options) *Gateway {
	return &Gateway{cfg: cfg, opts: opts, registry: ingress.NewRegistry()}
}

// Start dials the broker, builds every device session, subscribes the
// control topics, and begins pumping. A device failing its first connect
// is logged and stays registered as disconnected; it does not abort the
// gateway.
func (g *Gateway) Start(ctx context.Context) error {
	mux := mqtt.NewServeMux()
	router := ingress.NewRouter(g.registry)
	for _, pattern := range ingress.ControlPatterns(g.cfg.Tenant, g.cfg.Gateway) {
		if err := mux.Handle(pattern, router); err != nil {
			return fmt.Errorf("gateway: register %s: %w", pattern, err)
		}
	}

	dialOpts := g.opts.DialOptions
	if g.cfg.MQTT.Username != "" {
		dialOpts = append(dialOpts, mqtt.WithUser(g.cfg.MQTT.Username, g.cfg.MQTT.Password))
	}
	if g.cfg.MQTT.CertFile != "" {
		tlsCfg, err := mqtt.LoadClientTLS(g.cfg.MQTT.CertFile, g.cfg.MQTT.KeyFile, g.cfg.MQTT.CAFile)
		if err != nil {
			return err
		}
		dialOpts = append(dialOpts, mqtt.WithTLS(tlsCfg))
	}
	dialer := &mqtt.Dialer{
		ID:       g.cfg.MQTT.ClientID,
		ServeMux: mux,
		OnConnectError: func(err error) {
			slog.Warn("broker connect failed", "addr", g.cfg.MQTT.Addr, "error", err)
		},
	}
	conn, err := dialer.Dial(ctx, g.cfg.MQTT.Addr, dialOpts...)
	if err != nil {
		return fmt.Errorf("gateway: dial broker: %w", err)
	}
	g.conn = conn

	if err := conn.SubscribeAll(ctx,
		ingress.ControlPatterns(g.cfg.Tenant, g.cfg.Gateway),
		mqtt.AtLeastOnce, mqtt.AutoResubscribe{}); err != nil {
		conn.Close()
		return fmt.Errorf("gateway: subscribe control topics: %w", err)
	}

	g.pump = egress.NewPump(time.Duration(g.cfg.PumpPeriodMs)*time.Millisecond, conn)
	g.roster = egress.NewRoster(g.cfg.Tenant, g.cfg.Gateway,
		ingress.RosterTopic(g.cfg.Tenant, g.cfg.Gateway), conn)

	for _, dev := range g.cfg.Robots {
		if err := g.addRobot(ctx, dev); err != nil {
			slog.Error("robot setup failed", "device", dev.ID, "error", err)
		}
	}
	for _, dev := range g.cfg.PLCs {
		if err := g.addPlc(ctx, dev); err != nil {
			slog.Error("plc setup failed", "device", dev.ID, "error", err)
		}
	}

	g.pump.Start()
	g.roster.Publish(ctx)
	slog.Info("gateway started",
		"tenant", g.cfg.Tenant, "gateway", g.cfg.Gateway,
		"robots", len(g.cfg.Robots), "plcs", len(g.cfg.PLCs))
	return nil
}

func (g *Gateway) addRobot(ctx context.Context, dev RobotDevice) error {
	key := model.DeviceKey{
		TenantID:   g.cfg.Tenant,
		GatewayID:  g.cfg.Gateway,
		DeviceType: dev.Type,
		DeviceID:   dev.ID,
	}
	var transport robot.Transport
	switch {
	case g.opts.RobotTransport != nil:
		transport = g.opts.RobotTransport(dev)
	case dev.Addr == AddrSim:
		transport = robot.NewSimTransport()
	default:
		transport = robot.NewTCPTransport(dev.Addr)
	}
	s := robot.NewSession(robot.Config{
		Key:          key,
		Name:         dev.Name,
		StreamPeriod: time.Duration(dev.StreamPeriodMs) * time.Millisecond,
		ReadTimeout:  time.Duration(dev.ReadTimeoutMs) * time.Millisecond,
		LeaseTimeout: time.Duration(dev.LeaseTimeoutSec) * time.Second,
	}, transport, g.sessionEvents(key))
	return g.install(ctx, s, egress.DeviceInfo{
		Key:            key,
		DisplayName:    dev.Name,
		ConnectionType: "tcp",
	})
}

func (g *Gateway) addPlc(ctx context.Context, dev PlcDevice) error {
	key := model.DeviceKey{
		TenantID:   g.cfg.Tenant,
		GatewayID:  g.cfg.Gateway,
		DeviceType: dev.Type,
		DeviceID:   dev.ID,
	}
	var transport plc.Transport
	switch {
	case g.opts.PlcTransport != nil:
		t, err := g.opts.PlcTransport(dev)
		if err != nil {
			return err
		}
		transport = t
	case dev.Addr == AddrSim:
		transport = plc.NewSimTransport()
	default:
		return fmt.Errorf("%w: %s", ErrNoPlcDriver, dev.Addr)
	}
	s := plc.NewSession(plc.Config{
		Key:           key,
		Name:          dev.Name,
		DefaultPeriod: time.Duration(dev.PollPeriodMs) * time.Millisecond,
		Timeout:       time.Duration(dev.TimeoutMs) * time.Millisecond,
		MaxItems:      dev.MaxItems,
		LeaseTimeout:  time.Duration(dev.LeaseTimeoutSec) * time.Second,
	}, transport, g.sessionEvents(key))
	return g.install(ctx, s, egress.DeviceInfo{
		Key:            key,
		DisplayName:    dev.Name,
		ConnectionType: "ethernet-ip",
	})
}

// sessionEvents wires one device's session callbacks into the pump and
// the roster.
func (g *Gateway) sessionEvents(key model.DeviceKey) session.Events {
	return session.Events{
		StatusChanged: func(status model.DeviceStatus, err error) {
			if err != nil {
				slog.Warn("device status", "device", key.String(), "status", status.String(), "error", err)
			}
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g.roster.SetStatus(pubCtx, key, status)
		},
		FrameReceived: func(frame model.Frame) {
			g.pump.OnFrame(key, frame)
			g.roster.OnData(key)
		},
		PublishAllowedChanged: func(allowed bool) {
			g.pump.SetEnabled(key, allowed)
		},
	}
}

// install registers the session everywhere and starts it. A first
// connect failure still leaves the session registered so the roster
// shows the device as disconnected.
func (g *Gateway) install(ctx context.Context, s deviceSession, info egress.DeviceInfo) error {
	g.sessions = append(g.sessions, s)
	g.registry.Add(s.Key(), s)
	g.roster.Register(ctx, info)
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: connect %s: %w", s.Key().String(), err)
	}
	return nil
}

// Close stops every session, the pump, and the broker connection.
func (g *Gateway) Close(ctx context.Context) error {
	var firstErr error
	for _, s := range g.sessions {
		if err := s.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.pump != nil {
		g.pump.Close()
	}
	if g.roster != nil {
		g.roster.Publish(ctx)
	}
	if g.conn != nil {
		if err := g.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
