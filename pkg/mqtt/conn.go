package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// QoS is the MQTT Quality of Service.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Conn is an MQTT connection.
type Conn struct {
	cm *autopaho.ConnectionManager

	*ServeMux

	resubscribeMu     sync.Mutex
	resubscribeCtx    context.Context
	resubscribeCancel context.CancelCauseFunc
	subscriptions     []*paho.Subscribe
}

// resubscribe replays every AutoResubscribe subscription after a
// reconnect, cancelling any replay still in flight.
func (conn *Conn) resubscribe() {
	conn.resubscribeMu.Lock()
	defer conn.resubscribeMu.Unlock()

	if conn.resubscribeCtx != nil {
		conn.resubscribeCancel(errors.New("resubscribe"))
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	conn.resubscribeCtx = ctx
	conn.resubscribeCancel = cancel

	for _, s := range conn.subscriptions {
		go func(subscription *paho.Subscribe) {
			if _, err := conn.cm.Subscribe(ctx, subscription); err != nil {
				slog.Error("mqtt resubscribe error", "error", err)
			}
		}(s)
	}
}

func (conn *Conn) dropResubscribe(cause error) {
	conn.resubscribeMu.Lock()
	defer conn.resubscribeMu.Unlock()
	if conn.resubscribeCtx != nil {
		conn.resubscribeCancel(cause)
		conn.resubscribeCtx = nil
		conn.resubscribeCancel = nil
	}
}

// Close closes the connection.
func (conn *Conn) Close() error {
	conn.dropResubscribe(net.ErrClosed)
	return conn.cm.Disconnect(context.Background())
}

// WriteOption is an option for writing a message.
type WriteOption interface {
	applyToPublish(*paho.Publish)
}

func (qos QoS) applyToPublish(pub *paho.Publish) {
	pub.QoS = byte(qos)
}

type retain struct{}

func (r retain) applyToPublish(pub *paho.Publish) {
	pub.Retain = true
}

// WithRetain sets the retain flag of the message.
func WithRetain() WriteOption {
	return retain{}
}

// WriteToTopic publishes a message to the topic. The default is QoS 0
// with no retain flag.
func (conn *Conn) WriteToTopic(ctx context.Context, b []byte, topic string, opts ...WriteOption) error {
	pub := &paho.Publish{
		Topic:   topic,
		Payload: b,
	}
	for _, opt := range opts {
		opt.applyToPublish(pub)
	}
	_, err := conn.cm.Publish(ctx, pub)
	return err
}

// SubscribeOption is an option for subscribing to a topic.
type SubscribeOption interface {
	apply(*Conn, *paho.Subscribe)
}

func (qos QoS) apply(conn *Conn, sub *paho.Subscribe) {
	for i := range sub.Subscriptions {
		sub.Subscriptions[i].QoS = byte(qos)
	}
}

// AutoResubscribe records the subscription so it is replayed after every
// reconnect.
type AutoResubscribe struct{}

func (AutoResubscribe) apply(conn *Conn, sub *paho.Subscribe) {
	conn.resubscribeMu.Lock()
	conn.subscriptions = append(conn.subscriptions, sub)
	conn.resubscribeMu.Unlock()
}

// SubscribeAll subscribes to several topics in one request.
func (conn *Conn) SubscribeAll(ctx context.Context, topics []string, opts ...SubscribeOption) error {
	s := &paho.Subscribe{
		Subscriptions: make([]paho.SubscribeOptions, 0, len(topics)),
	}
	for _, topic := range topics {
		s.Subscriptions = append(s.Subscriptions, paho.SubscribeOptions{
			Topic: topic,
		})
	}
	for _, opt := range opts {
		opt.apply(conn, s)
	}
	_, err := conn.cm.Subscribe(ctx, s)
	return err
}

// Subscribe subscribes to a topic.
func (conn *Conn) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) error {
	s := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{
				Topic: topic,
			},
		},
	}
	for _, opt := range opts {
		opt.apply(conn, s)
	}
	if _, err := conn.cm.Subscribe(ctx, s); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe unsubscribes from a topic.
func (conn *Conn) Unsubscribe(ctx context.Context, topic string) error {
	_, err := conn.cm.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{topic},
	})
	return err
}
