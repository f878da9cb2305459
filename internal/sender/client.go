package sender

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// ClientConfig holds the configuration for the sending side of the hit
// transfer transport.
type ClientConfig struct {
	// Addr is the "host:port" of the downstream collector's gRPC server.
	// Required.
	Addr string

	// CertPath, KeyPath are the PEM-encoded client certificate/key pair
	// presented to the collector. Required.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA certificate used to verify the
	// collector's server certificate. Required.
	CAPath string

	// InitialBackoff is the starting interval for exponential-backoff
	// reconnection. Defaults to 1 second when zero.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration

	// DialTimeout limits how long the client waits for the initial dial
	// and Register RPC to complete on each connection attempt. Defaults to
	// 30 seconds when zero.
	DialTimeout time.Duration

	// Hostname overrides the OS hostname sent in Register. Defaults to
	// os.Hostname() when empty.
	Hostname string
}

func (c *ClientConfig) applyDefaults() {
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Client streams merged, formatted buffers to a downstream collector over an
// mTLS gRPC connection, reconnecting automatically on failure. It implements
// sortengine.Consumer and tcal.Sink so a channel sort engine's worker or the
// TCAL processor can use it as a plain downstream consumer.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	creds credentials.TransportCredentials

	mu     sync.RWMutex
	stream HitTransfer_StreamClient
	sessID string
	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent    *metrics.Metric
	dropped *metrics.Metric
	reconns *metrics.Metric
}

// NewClient creates a Client with the given configuration. Call Start to
// begin connecting.
func NewClient(cfg ClientConfig, reg *metrics.Registry, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger,
		sent:    reg.Counter("sender_buffers_sent_total", "formatted buffers successfully sent to the downstream collector"),
		dropped: reg.Counter("sender_buffers_dropped_total", "buffers dropped because no connection was active"),
		reconns: reg.Counter("sender_reconnects_total", "number of times the sender reconnected to the downstream collector"),
	}
}

// Start validates the mTLS credentials from disk, then launches a background
// goroutine that connects to the collector and keeps the connection alive.
func (c *Client) Start(ctx context.Context) error {
	creds, err := loadClientTLSCredentials(c.cfg)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	c.creds = creds

	if c.cfg.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		c.cfg.Hostname = h
	}

	connectCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.connectLoop(connectCtx)

	return nil
}

// Stop cancels the connection loop and waits for it to exit. Safe to call
// multiple times.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Consume implements sortengine.Consumer and tcal.Sink: it wraps raw in a
// BytesValue and sends it over the active stream. A nil active stream (the
// client is reconnecting) drops the buffer rather than blocking the calling
// worker goroutine.
func (c *Client) Consume(raw []byte) error {
	return c.send(raw)
}

// EndOfStream implements sortengine.Consumer and tcal.Sink by forwarding the
// EOS sentinel for mbid to the collector, so the collector's own downstream
// merge (if any) observes the same end-of-stream signal this hub did.
func (c *Client) EndOfStream(mbid uint64) error {
	return c.send(rawbuf.Sentinel(mbid))
}

// HasConsumer implements tcal.Sink: it reports whether the client currently
// holds an active stream to the collector.
func (c *Client) HasConsumer() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream != nil
}

func (c *Client) send(raw []byte) error {
	c.mu.RLock()
	stream := c.stream
	c.mu.RUnlock()

	if stream == nil {
		c.dropped.Add(1)
		return fmt.Errorf("sender: not connected to collector")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Re-check under sendMu: a concurrent reconnect may have cleared the
	// stream between the RLock above and here.
	c.mu.RLock()
	stream = c.stream
	c.mu.RUnlock()
	if stream == nil {
		c.dropped.Add(1)
		return fmt.Errorf("sender: not connected to collector")
	}

	if err := stream.Send(wrapperspb.Bytes(raw)); err != nil {
		return fmt.Errorf("sender: send buffer: %w", err)
	}
	c.sent.Add(1)
	return nil
}

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("sender: connecting to collector", slog.String("addr", c.cfg.Addr))

		wasConnected, err := c.connect(ctx)

		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			if !first {
				c.reconns.Add(1)
			}
			first = false
			b.Reset()
		}

		if err != nil {
			c.logger.Warn("sender: connection ended", slog.Any("error", err), slog.String("addr", c.cfg.Addr))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("sender: backoff exhausted; giving up")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) connect(ctx context.Context) (wasConnected bool, err error) {
	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(c.creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := NewHitTransferClient(conn)

	regCtx, regCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	resp, err := client.Register(regCtx, wrapperspb.String(c.cfg.Hostname))
	regCancel()
	if err != nil {
		return false, fmt.Errorf("Register: %w", err)
	}
	sessID := resp.GetValue()

	stream, err := client.Stream(ctx)
	if err != nil {
		return false, fmt.Errorf("Stream: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.sessID = sessID
	c.mu.Unlock()

	c.logger.Info("sender: stream established", slog.String("addr", c.cfg.Addr), slog.String("session_id", sessID))

	streamErr := c.drainStream(stream)

	c.mu.Lock()
	c.stream = nil
	c.mu.Unlock()

	if streamErr == io.EOF {
		return true, nil
	}
	return true, streamErr
}

func (c *Client) drainStream(stream HitTransfer_StreamClient) error {
	for {
		ack, err := stream.Recv()
		if err != nil {
			return err
		}
		c.logger.Debug("sender: received collector ack", slog.String("payload", ack.GetValue()))
	}
}

func loadClientTLSCredentials(cfg ClientConfig) (credentials.TransportCredentials, error) {
	clientCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load sender cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	serverName, _, splitErr := net.SplitHostPort(cfg.Addr)
	if splitErr != nil {
		serverName = cfg.Addr
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsCfg), nil
}
