// Package client implements the command bridge client used by platform
// adapters and the gatekeep-client CLI.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/gatekeep/pkg/protocol"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
)

// BridgeError is an ErrorResponse returned by the server.
type BridgeError struct {
	Code    int32
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error %d: %s", e.Code, e.Message)
}

// ErrUnexpectedResponse is returned when the server replies with the wrong
// message type or request ID.
var ErrUnexpectedResponse = errors.New("client: unexpected response")

// DialOptions configures Dial.
type DialOptions struct {
	Token      string
	ClientName string
	CAFile     string // PEM file to verify the server; empty accepts self-signed certs
}

// ControlClient is one authenticated bridge connection. Requests are
// serialized; it is safe for concurrent use.
type ControlClient struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID atomic.Uint64

	auth *pb.AuthResponse
}

// Dial connects to the bridge over TLS and authenticates.
func Dial(ctx context.Context, addr string, opts DialOptions) (*ControlClient, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile) //nolint:gosec // path from CLI flag
		if err != nil {
			return nil, fmt.Errorf("client: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client: no certificates in %s", opts.CAFile)
		}
		tlsCfg.RootCAs = pool
	} else {
		tlsCfg.InsecureSkipVerify = true //nolint:gosec // self-signed bridge certs (TOFU model)
	}

	dialer := &tls.Dialer{Config: tlsCfg}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect bridge: %w", err)
	}

	c := NewControlClient(conn)
	if _, err := c.Authenticate(ctx, opts.Token, opts.ClientName); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewControlClient wraps an established connection. Authenticate must be
// called before any other request.
func NewControlClient(conn net.Conn) *ControlClient {
	return &ControlClient{conn: conn}
}

// Authenticate sends an auth request and returns the auth response.
func (c *ControlClient) Authenticate(ctx context.Context, token, clientName string) (*pb.AuthResponse, error) {
	msg, err := c.roundTrip(ctx, &pb.ControlMessage{
		AuthRequest: &pb.AuthRequest{Token: token, Client: clientName},
	})
	if err != nil {
		return nil, fmt.Errorf("client: auth: %w", err)
	}
	if msg.AuthResponse == nil {
		return nil, fmt.Errorf("client: auth: %w", ErrUnexpectedResponse)
	}
	c.auth = msg.AuthResponse
	return msg.AuthResponse, nil
}

// ServerInfo returns the auth response of the last successful Authenticate.
func (c *ControlClient) ServerInfo() *pb.AuthResponse {
	return c.auth
}

// Do sends one command and waits for its response. req.ID is assigned by
// the client.
func (c *ControlClient) Do(ctx context.Context, req *pb.CommandRequest) (*pb.CommandResponse, error) {
	req.ID = c.nextID.Add(1)
	msg, err := c.roundTrip(ctx, &pb.ControlMessage{CommandRequest: req})
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", req.Name, err)
	}
	if msg.CommandResponse == nil || msg.CommandResponse.ID != req.ID {
		return nil, fmt.Errorf("client: %s: %w", req.Name, ErrUnexpectedResponse)
	}
	return msg.CommandResponse, nil
}

// Ping measures one round trip.
func (c *ControlClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	msg, err := c.roundTrip(ctx, &pb.ControlMessage{Ping: &pb.Ping{Timestamp: start.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("client: ping: %w", err)
	}
	if msg.Pong == nil || msg.Pong.Timestamp != start.UnixNano() {
		return 0, fmt.Errorf("client: ping: %w", ErrUnexpectedResponse)
	}
	return time.Since(start), nil
}

// roundTrip writes msg and reads one reply. The context deadline applies
// to the connection; cancelling ctx interrupts a blocked read.
func (c *ControlClient) roundTrip(ctx context.Context, msg *pb.ControlMessage) (*pb.ControlMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline() // zero clears a previous deadline
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteControlMessage(c.conn, msg); err != nil {
		return nil, contextErr(ctx, err)
	}
	reply, err := protocol.ReadControlMessage(c.conn)
	if err != nil {
		return nil, contextErr(ctx, err)
	}
	if reply.ErrorResponse != nil {
		return nil, &BridgeError{Code: reply.ErrorResponse.Code, Message: reply.ErrorResponse.Message}
	}
	return reply, nil
}

func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The connection deadline can fire just before the context's own timer.
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// Close closes the connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}
