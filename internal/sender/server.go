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

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/stringhub-core/stringhub/internal/metrics"
)

// ServerConfig holds the mTLS server-side listener settings for the
// HitTransfer service.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":4443"). Required.
	Addr string

	// CertPath, KeyPath are the server's own PEM-encoded certificate/key
	// pair. Required.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA certificate used to verify client
	// certificates presented by senders. Required.
	CAPath string
}

// BufferSink receives every formatted buffer accepted from a connected
// sender's Stream RPC.
type BufferSink interface {
	Consume(raw []byte) error
}

// Server implements HitTransferServer: it accepts Register handshakes and
// Stream connections from sending string hubs (or test harnesses) and hands
// every received buffer to a BufferSink.
type Server struct {
	sink   BufferSink
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> CN/hostname

	received *metrics.Metric
}

// NewServer creates a Server that forwards every received buffer to sink.
func NewServer(sink BufferSink, reg *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{
		sink:     sink,
		logger:   logger,
		sessions: make(map[string]string),
		received: reg.Counter("sender_server_buffers_received_total", "formatted buffers received from connected senders"),
	}
}

// Register implements HitTransferServer.Register: it records the caller
// under an assigned session id, preferring the mTLS client certificate's
// CommonName over the self-reported hostname so that identity is tied to
// the PKI rather than the caller's claim.
func (s *Server) Register(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	hostname := req.GetValue()
	if cn := certCN(ctx); cn != "" {
		hostname = cn
	}
	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register: hostname must not be empty")
	}

	sessID := uuid.NewString()

	s.mu.Lock()
	s.sessions[sessID] = hostname
	s.mu.Unlock()

	s.logger.Info("sender: sender registered", slog.String("hostname", hostname), slog.String("session_id", sessID))

	return wrapperspb.String(sessID), nil
}

// Stream implements HitTransferServer.Stream: it reads formatted buffers
// from the sender, hands each to the BufferSink, and acknowledges receipt.
func (s *Server) Stream(stream HitTransfer_StreamServer) error {
	ctx := stream.Context()
	for {
		in, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		raw := in.GetValue()
		if err := s.sink.Consume(raw); err != nil {
			s.logger.Error("sender: sink rejected buffer", slog.Any("error", err))
			if sendErr := stream.Send(wrapperspb.String("ERROR:" + err.Error())); sendErr != nil {
				return sendErr
			}
			continue
		}
		s.received.Add(1)

		if sendErr := stream.Send(wrapperspb.String("ACK")); sendErr != nil {
			return sendErr
		}
	}
}

// Listener is a running HitTransfer gRPC server bound to a TLS listener.
type Listener struct {
	grpcSrv *grpc.Server
}

// Listen constructs a mTLS-protected gRPC server exposing srv as the
// HitTransfer service, bound to cfg.Addr.
func Listen(cfg ServerConfig, srv HitTransferServer) (*Listener, net.Listener, error) {
	creds, err := loadServerTLSCredentials(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("sender: listen %s: %w", cfg.Addr, err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	grpcSrv.RegisterService(&HitTransfer_ServiceDesc, srv)

	return &Listener{grpcSrv: grpcSrv}, lis, nil
}

// Serve blocks, serving RPCs on lis until Stop is called or Serve itself
// fails.
func (l *Listener) Serve(lis net.Listener) error {
	return l.grpcSrv.Serve(lis)
}

// Stop gracefully stops the gRPC server, waiting for in-flight RPCs to
// finish.
func (l *Listener) Stop() {
	l.grpcSrv.GracefulStop()
}

// certCN extracts the CommonName from the mTLS client certificate attached
// to ctx, or "" if no peer info or certificate is available.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

func loadServerTLSCredentials(cfg ServerConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsCfg), nil
}
