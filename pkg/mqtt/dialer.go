package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
)

const defaultConnectRetryDelay = 3 * time.Second

// Dialer holds the options for establishing and maintaining an MQTT
// connection. The underlying client reconnects on its own; subscriptions
// registered with AutoResubscribe are replayed after each reconnect.
type Dialer struct {

	// Keepalive period in seconds.
	KeepAlive int

	// Session Expiry Interval in seconds (0 ends the session when the
	// network connection closes).
	SessionExpiryInterval int

	// How long to wait between connection attempts (defaults to 3s).
	ConnectRetryDelay time.Duration

	// How long to wait for the connection process to complete.
	ConnectTimeout time.Duration

	// ID is the client identifier (defaults to a random string).
	ID string

	// ServeMux receives inbound messages (defaults to DefaultServeMux).
	ServeMux *ServeMux

	// OnConnectError is called when a connection attempt fails.
	OnConnectError func(error)

	// OnConnectionUp is called when a connection is established,
	// including reconnections.
	OnConnectionUp func()
}

func (dl *Dialer) keepAlive() uint16 {
	if dl.KeepAlive == 0 {
		return 20
	}
	return uint16(dl.KeepAlive)
}

func (dl *Dialer) connectRetryDelay() time.Duration {
	if dl.ConnectRetryDelay == 0 {
		return defaultConnectRetryDelay
	}
	return dl.ConnectRetryDelay
}

// DialOption is an option for dialing an MQTT connection.
type DialOption interface {
	apply(*autopaho.ClientConfig) error
}

// WithUser sets the username and password sent in the CONNECT packet.
func WithUser(username, password string) DialOption {
	return &withCreds{url.UserPassword(username, password)}
}

type withCreds struct {
	user *url.Userinfo
}

func (wc *withCreds) apply(cfg *autopaho.ClientConfig) error {
	if wc.user == nil {
		return nil
	}
	cfg.ConnectPacketBuilder = func(pc *paho.Connect, _ *url.URL) (*paho.Connect, error) {
		pc.UsernameFlag = true
		pc.Username = wc.user.Username()
		if pwd, ok := wc.user.Password(); ok {
			pc.PasswordFlag = true
			pc.Password = []byte(pwd)
		}
		return pc, nil
	}
	return nil
}

// WithTLS sets the TLS configuration used for tls/mqtts addresses.
func WithTLS(cfg *tls.Config) DialOption {
	return &withTLS{cfg}
}

type withTLS struct {
	cfg *tls.Config
}

func (wt *withTLS) apply(cfg *autopaho.ClientConfig) error {
	cfg.TlsCfg = wt.cfg
	return nil
}

// LoadClientTLS builds a client TLS configuration from PEM files. caFile
// may be empty to trust the system roots. TLS 1.2 is the floor.
func LoadClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: load client cert: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt: ca %s contains no certificates", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// WithAdditionalAddr adds a fallback broker address.
type WithAdditionalAddr string

func (a WithAdditionalAddr) apply(cfg *autopaho.ClientConfig) error {
	u, err := url.Parse(string(a))
	if err != nil {
		return err
	}
	cfg.ServerUrls = append(cfg.ServerUrls, u)
	return nil
}

// Dial connects to the MQTT broker at the given address and blocks until
// the first connection is up or ctx expires.
func (dl *Dialer) Dial(ctx context.Context, addr string, opts ...DialOption) (conn *Conn, err error) {
	id := dl.ID
	if id == "" {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		id = base64.RawURLEncoding.EncodeToString(b[:])
	}
	sm := dl.ServeMux
	if sm == nil {
		sm = DefaultServeMux
	}
	addru, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	var connected atomic.Bool
	cfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{addru},
		AttemptConnection: dl.attemptConnection,
		OnConnectError: func(err error) {
			if dl.OnConnectError != nil {
				dl.OnConnectError(err)
			}
			if !connected.Load() {
				return
			}
			conn.dropResubscribe(err)
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, c *paho.Connack) {
			if dl.OnConnectionUp != nil {
				dl.OnConnectionUp()
			}
			if !connected.Load() {
				return
			}
			conn.resubscribe()
		},
		CleanStartOnInitialConnection: true,
		KeepAlive:                     dl.keepAlive(),
		SessionExpiryInterval:         uint32(dl.SessionExpiryInterval),
		ConnectRetryDelay:             dl.connectRetryDelay(),
		ConnectTimeout:                dl.ConnectTimeout,
		ClientConfig: paho.ClientConfig{
			ClientID: id,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if err := sm.HandleMessage(pr); err != nil {
						return false, err
					}
					return true, nil
				},
			},
		},
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return nil, err
		}
	}
	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, err
	}
	conn = &Conn{cm: cm, ServeMux: sm}
	connected.Store(true)
	return conn, nil
}

func (dl *Dialer) attemptConnection(ctx context.Context, cc autopaho.ClientConfig, u *url.URL) (net.Conn, error) {
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp", "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		if err := conn.(*net.TCPConn).SetNoDelay(true); err != nil {
			return nil, err
		}
		return packets.NewThreadSafeConn(conn), nil
	case "ssl", "tls", "mqtts", "tcps":
		d := tls.Dialer{
			Config: cc.TlsCfg,
		}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		if err := conn.(*tls.Conn).NetConn().(*net.TCPConn).SetNoDelay(true); err != nil {
			return nil, err
		}
		return packets.NewThreadSafeConn(conn), nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q in %s", u.Scheme, u.String())
	}
}

// DefaultServeMux is the mux used by dialers with no ServeMux of their own.
var DefaultServeMux = NewServeMux()

// Dial connects with a default dialer and a fresh mux.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	return (&Dialer{ServeMux: NewServeMux()}).Dial(ctx, addr, opts...)
}
