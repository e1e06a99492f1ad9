package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

const (
	DefaultWriteTimeout = time.Second
	MaxDatagramSize     = 1024
	ProbeConfidence     = 0.95

	// Consecutive read failures back off from ReadRetryDelay, doubling up to
	// MaxReadRetryDelay; Serve gives up after MaxReadErrors in a row.
	ReadRetryDelay    = 5 * time.Millisecond
	MaxReadRetryDelay = time.Second
	MaxReadErrors     = 5
)

// Probe sends one test envelope to host:port and returns.
func Probe(ctx context.Context, host string, port int, label string) (Envelope, error) {
	sink, err := Dial(host, port)
	if err != nil {
		return Envelope{}, err
	}
	defer sink.Close()

	env := NewEnvelope(TypeTest, label, ProbeConfidence, time.Now())
	payload, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, apperrors.Wrap(err, apperrors.CodeInternal, "encode probe")
	}
	if err := sink.SendRaw(ctx, payload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Handler receives each decoded datagram and its sender.
type Handler func(msg Message, from *net.UDPAddr)

// Listen binds addr and delivers datagrams to fn until ctx is done.
func Listen(ctx context.Context, addr string, fn Handler) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeInvalidArgument, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeTransportFailed, "listen on %s", addr)
	}
	slog.Info("datagram listener started", "address", conn.LocalAddr().String())
	return Serve(ctx, conn, fn)
}

// Serve reads from conn until ctx is done, then closes it. Undecodable
// datagrams are logged and skipped. Read failures are retried with backoff;
// a run of MaxReadErrors failures ends Serve with an error.
func Serve(ctx context.Context, conn net.PacketConn, fn Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, MaxDatagramSize)
	var failures int
	var delay time.Duration
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			if failures >= MaxReadErrors {
				return apperrors.Wrapf(err, apperrors.CodeTransportFailed, "read datagram: %d consecutive failures", failures)
			}
			if delay == 0 {
				delay = ReadRetryDelay
			} else {
				delay = min(delay*2, MaxReadRetryDelay)
			}
			slog.Warn("failed to read datagram", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures, delay = 0, 0

		from, _ := addr.(*net.UDPAddr)
		msg, err := ParseMessage(buf[:n])
		if err != nil {
			slog.Warn("undecodable datagram", "from", from.String(), "raw", string(buf[:n]), "error", err)
			continue
		}
		fn(msg, from)
	}
}
