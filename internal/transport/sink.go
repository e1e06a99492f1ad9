// Package transport carries verdicts and bridge messages over UDP.
package transport

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
)

// UDPSink writes datagrams to a retargetable destination from one
// unconnected socket.
type UDPSink struct {
	conn *net.UDPConn

	mu     sync.RWMutex
	target *net.UDPAddr
}

// Dial opens the sink socket aimed at host:port.
func Dial(host string, port int) (*UDPSink, error) {
	target, err := resolve(host, port)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeTransportFailed, "open datagram socket")
	}
	slog.Info("datagram sink ready", "target", target.String())
	return &UDPSink{conn: conn, target: target}, nil
}

// Send writes the verdict's text form.
func (s *UDPSink) Send(ctx context.Context, v verdict.Verdict) error {
	return s.SendRaw(ctx, []byte(v.Wire()))
}

// SendRaw writes payload as one datagram to the current target.
func (s *UDPSink) SendRaw(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeCancelled, "send datagram")
	}
	s.mu.RLock()
	target := s.target
	s.mu.RUnlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	_ = s.conn.SetWriteDeadline(deadline)

	if _, err := s.conn.WriteToUDP(payload, target); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeTransportFailed, "send to %s", target)
	}
	slog.Debug("datagram sent", "target", target.String(), "bytes", len(payload))
	return nil
}

// SetTarget points future sends at host:port.
func (s *UDPSink) SetTarget(host string, port int) error {
	target, err := resolve(host, port)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.target
	s.target = target
	s.mu.Unlock()
	slog.Info("datagram target updated", "from", prev.String(), "to", target.String())
	return nil
}

// Target returns the current destination as host:port.
func (s *UDPSink) Target() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target.String()
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}

func resolve(host string, port int) (*net.UDPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "port out of range: %d", port)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "resolve %s:%d", host, port)
	}
	return addr, nil
}
