package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/agora/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "agora-bus"
	readyTimeout = 5 * time.Second
)

// Bus is the in-process NATS server the router hosts for lifecycle events.
// Events are fire-and-forget, so JetStream stays off and nothing touches
// disk.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

type ServerOption func(*serverSettings)

type serverSettings struct {
	log *slog.Logger
}

// WithServerLogger sends the server's notices and errors to l.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *serverSettings) { s.log = l }
}

// New starts the event bus on cfg.Host:cfg.Port. Port -1 picks a free port.
func New(cfg config.NATSConfig, opts ...ServerOption) (*Bus, error) {
	var settings serverSettings
	for _, opt := range opts {
		opt(&settings)
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		ServerName: serverName,
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      settings.log == nil,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	if settings.log != nil {
		ns.SetLogger(serverLogger{settings.log.With("component", "nats")}, false, false)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("event bus on %s:%d not ready after %s", cfg.Host, cfg.Port, readyTimeout)
	}
	return &Bus{server: ns, cfg: cfg}, nil
}

// ClientURL is the address workers in this process connect to.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}

// serverLogger adapts slog to the server's printf-style logger.
type serverLogger struct{ log *slog.Logger }

func (l serverLogger) Noticef(format string, v ...any) { l.log.Info(fmt.Sprintf(format, v...)) }
func (l serverLogger) Warnf(format string, v ...any)   { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l serverLogger) Fatalf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l serverLogger) Errorf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l serverLogger) Debugf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l serverLogger) Tracef(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
