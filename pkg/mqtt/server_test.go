package mqtt_test

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/twinsync/gateway/pkg/mqtt"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)
	srv := &mqtt.Server{}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr}))
	time.Sleep(50 * time.Millisecond)
	return addr
}

func TestServer_PublishSubscribeRoundTrip(t *testing.T) {
	addr := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	mux := mqtt.NewServeMux()
	mux.HandleFunc("twinsync/+/+/data/#", func(m mqtt.Message) error {
		received <- string(m.Packet.Payload)
		return nil
	})

	sub, err := (&mqtt.Dialer{ServeMux: mux}).Dial(ctx, fmt.Sprintf("tcp://%s", addr))
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer sub.Close()
	if err := sub.Subscribe(ctx, "twinsync/acme/plant1/data/#"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, err := mqtt.Dial(ctx, fmt.Sprintf("tcp://%s", addr))
	if err != nil {
		t.Fatalf("dial publisher: %v", err)
	}
	defer pub.Close()

	topic := "twinsync/acme/plant1/data/robot-fanuc/R1"
	if err := pub.WriteToTopic(ctx, []byte(`{"pubSeq":1}`), topic); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got != `{"pubSeq":1}` {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestServer_RetainedDelivery(t *testing.T) {
	addr := startBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := mqtt.Dial(ctx, fmt.Sprintf("tcp://%s", addr))
	if err != nil {
		t.Fatalf("dial publisher: %v", err)
	}
	defer pub.Close()

	topic := "twinsync/acme/plant1/devices"
	if err := pub.WriteToTopic(ctx, []byte(`{"devices":[]}`), topic,
		mqtt.WithRetain(), mqtt.AtLeastOnce); err != nil {
		t.Fatalf("publish retained: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// A subscriber arriving later still receives the roster.
	received := make(chan []byte, 1)
	mux := mqtt.NewServeMux()
	mux.HandleFunc(topic, func(m mqtt.Message) error {
		received <- m.Packet.Payload
		return nil
	})
	sub, err := (&mqtt.Dialer{ServeMux: mux}).Dial(ctx, fmt.Sprintf("tcp://%s", addr))
	if err != nil {
		t.Fatalf("dial subscriber: %v", err)
	}
	defer sub.Close()
	if err := sub.Subscribe(ctx, topic, mqtt.AtLeastOnce); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != `{"devices":[]}` {
			t.Errorf("payload = %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retained message not delivered")
	}
}

func TestServer_ObservesPublishes(t *testing.T) {
	addr := freeAddr(t)

	var observed atomic.Int64
	srv := &mqtt.Server{
		Handler: mqtt.HandlerFunc(func(m mqtt.Message) error {
			observed.Add(1)
			return nil
		}),
	}
	defer srv.Close()
	go srv.Serve(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr}))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := mqtt.Dial(ctx, fmt.Sprintf("tcp://%s", addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteToTopic(ctx, []byte("x"), "any/topic"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for observed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if observed.Load() == 0 {
		t.Fatal("handler never observed the publish")
	}
}

func TestServer_ServeTwiceFails(t *testing.T) {
	addr := freeAddr(t)
	srv := &mqtt.Server{}
	defer srv.Close()
	go srv.Serve(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr}))
	time.Sleep(50 * time.Millisecond)

	if err := srv.Serve(); err != mqtt.ErrServerRunning {
		t.Errorf("second Serve = %v, want ErrServerRunning", err)
	}
}
