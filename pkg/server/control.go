package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/NicolasHaas/gatekeep/pkg/commands"
	"github.com/NicolasHaas/gatekeep/pkg/crypto"
	"github.com/NicolasHaas/gatekeep/pkg/model"
	"github.com/NicolasHaas/gatekeep/pkg/protocol"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
	"github.com/NicolasHaas/gatekeep/pkg/version"
)

// authTimeout bounds how long a new connection may take to authenticate.
const authTimeout = 10 * time.Second

// maxReasonLen caps the stored reason, in runes.
const maxReasonLen = 512

// listenControl opens the TLS listener for the command bridge.
func (s *Server) listenControl() (net.Listener, error) {
	cert, err := loadOrGenerateTLS(s.cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ControlAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen control: %w", err)
	}
	return ln, nil
}

// serveControl accepts bridge connections until ctx is done, then waits
// for open connections to finish.
func (s *Server) serveControl(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("command bridge listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: control listener closed: %w", err)
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleControlConn(ctx, conn)
		}()
	}
}

// handleControlConn handles a single bridge connection lifecycle.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remoteAddr := conn.RemoteAddr().String()
	s.logger.Debug("new bridge connection", "remote", remoteAddr)

	// First message must be AuthRequest
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		s.logger.Warn("auth read failed", "remote", remoteAddr, "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	if msg.AuthRequest == nil {
		s.metrics.IncBridgeAuthFailure()
		sendError(conn, 0, pb.CodeBadRequest, "first message must be auth_request")
		return
	}
	if !s.tokenValid(msg.AuthRequest.Token) {
		s.metrics.IncBridgeAuthFailure()
		s.logger.Warn("bridge authentication failed", "remote", remoteAddr, "client", msg.AuthRequest.Client)
		sendError(conn, 0, pb.CodeUnauthorized, "authentication failed")
		return
	}

	authResp := &pb.ControlMessage{
		AuthResponse: &pb.AuthResponse{
			ServerVersion: version.String(),
			Commands:      commands.Names(),
			DurationTypes: model.DurationUnits(),
		},
	}
	if err := protocol.WriteControlMessage(conn, authResp); err != nil {
		s.logger.Error("auth response write failed", "err", err)
		return
	}

	s.metrics.AddBridgeConnections(1)
	defer s.metrics.AddBridgeConnections(-1)
	s.logger.Info("bridge client authenticated", "remote", remoteAddr, "client", msg.AuthRequest.Client)

	for {
		msg, err := protocol.ReadControlMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.logger.Info("bridge client disconnected", "remote", remoteAddr)
				return
			}
			s.logger.Error("read error", "remote", remoteAddr, "err", err)
			return
		}
		if err := s.handleMessage(ctx, conn, msg); err != nil {
			s.logger.Error("write error", "remote", remoteAddr, "err", err)
			return
		}
	}
}

// tokenValid compares in constant time. With neither a token nor a hash
// configured the bridge is open.
func (s *Server) tokenValid(token string) bool {
	if s.cfg.BridgeTokenHash != "" {
		return crypto.VerifyToken(token, s.cfg.BridgeTokenHash)
	}
	if s.cfg.BridgeToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BridgeToken)) == 1
}

// handleMessage dispatches one bridge message and writes the reply.
func (s *Server) handleMessage(ctx context.Context, conn net.Conn, msg *pb.ControlMessage) error {
	var reply *pb.ControlMessage
	switch {
	case msg.CommandRequest != nil:
		req := msg.CommandRequest
		if req.InvokerID <= 0 {
			reply = errorMessage(req.ID, pb.CodeBadRequest, "invoker_id is required")
			break
		}
		req.Reason = sanitizeText(req.Reason)
		reply = &pb.ControlMessage{CommandResponse: s.handler.Handle(ctx, req)}

	case msg.Ping != nil:
		reply = &pb.ControlMessage{Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp}}

	default:
		reply = errorMessage(0, pb.CodeBadRequest, "unexpected message")
	}
	return protocol.WriteControlMessage(conn, reply)
}

func errorMessage(id uint64, code int32, message string) *pb.ControlMessage {
	return &pb.ControlMessage{
		ErrorResponse: &pb.ErrorResponse{ID: id, Code: code, Message: message},
	}
}

func sendError(conn net.Conn, id uint64, code int32, message string) {
	_ = protocol.WriteControlMessage(conn, errorMessage(id, code, message))
}

// sanitizeText cleans a reason before it is stored. Code fences are
// broken up since the reason is rendered inside one.
func sanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r == '\r' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "```", "'''")
	if runes := []rune(s); len(runes) > maxReasonLen {
		s = string(runes[:maxReasonLen])
	}
	return strings.TrimSpace(s)
}
