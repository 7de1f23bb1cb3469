package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
	mochimqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// ErrServerClosed is returned by Serve after a call to Close.
var ErrServerClosed = errors.New("mqtt: server closed")

// ErrServerRunning is returned when Serve is called twice.
var ErrServerRunning = errors.New("mqtt: server already running")

// Server is an embedded MQTT broker. It accepts every client and relays
// between them; an optional Handler additionally observes every publish,
// which the broker subcommand uses for traffic logging.
type Server struct {
	// Handler observes published messages. May be nil.
	Handler Handler

	mochi      *mochimqtt.Server
	mu         sync.Mutex
	inShutdown atomic.Bool
}

// Serve starts the broker on the given listeners and blocks until Close.
func (srv *Server) Serve(lns ...listeners.Listener) error {
	mochi, err := srv.init(lns)
	if err != nil {
		return err
	}
	return mochi.Serve()
}

func (srv *Server) init(lns []listeners.Listener) (*mochimqtt.Server, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.inShutdown.Load() {
		return nil, ErrServerClosed
	}
	if srv.mochi != nil {
		return nil, ErrServerRunning
	}

	mochi := mochimqtt.New(&mochimqtt.Options{
		InlineClient: true,
	})
	if err := mochi.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	if srv.Handler != nil {
		if err := mochi.AddHook(&observeHook{handler: srv.Handler}, nil); err != nil {
			return nil, err
		}
	}
	for _, ln := range lns {
		if err := mochi.AddListener(ln); err != nil {
			mochi.Close()
			return nil, err
		}
	}

	srv.mochi = mochi
	return mochi, nil
}

// Close gracefully closes the server. Safe to call more than once.
func (srv *Server) Close() error {
	srv.inShutdown.Store(true)

	srv.mu.Lock()
	mochi := srv.mochi
	srv.mochi = nil
	srv.mu.Unlock()

	if mochi == nil {
		return nil
	}
	return mochi.Close()
}

// WriteToTopic publishes a message from the broker itself.
func (srv *Server) WriteToTopic(ctx context.Context, payload []byte, topic string, opts ...WriteOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	srv.mu.Lock()
	mochi := srv.mochi
	srv.mu.Unlock()
	if mochi == nil {
		return errors.New("mqtt: server not running")
	}

	var (
		retainFlag bool
		qos        byte
	)
	for _, opt := range opts {
		switch v := opt.(type) {
		case retain:
			retainFlag = true
		case QoS:
			qos = byte(v)
		}
	}
	return mochi.Publish(topic, payload, retainFlag, qos)
}

// observeHook feeds every published packet to the server's handler.
type observeHook struct {
	mochimqtt.HookBase
	handler Handler
}

func (h *observeHook) ID() string {
	return "observe"
}

func (h *observeHook) Provides(b byte) bool {
	return b == mochimqtt.OnPublished
}

func (h *observeHook) OnPublished(cl *mochimqtt.Client, pk packets.Packet) {
	pr := paho.PublishReceived{
		Packet: &paho.Publish{
			Topic:   pk.TopicName,
			Payload: pk.Payload,
		},
	}
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			buf = buf[:runtime.Stack(buf, false)]
			slog.Error("mqtt: panic in message handler", "topic", pk.TopicName, "panic", r, "stack", string(buf))
		}
	}()
	// The publishing client is gone by the time this hook runs, so
	// handler errors have nowhere to go.
	_ = h.handler.HandleMessage(pr)
}
