package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/runnerr0/bounceguard/internal/metrics"
	"github.com/runnerr0/bounceguard/internal/server"
)

// Execute implements the go-flags Commander interface for ServeCommand.
func (c *ServeCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, c.globals, c.LogLevel)
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.Host != "" {
		sess.cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		sess.cfg.Server.Port = c.Port
	}
	return c.serve(ctx, sess)
}

// serve runs the engine and the HTTP API until ctx is canceled.
func (c *ServeCommand) serve(ctx context.Context, sess *session) error {
	m := metrics.New()
	svc, err := sess.service(ctx, m)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.Start(ctx)

	srv := server.New(svc, sess.cfg.Server, m, sess.logger)
	sess.logger.Info("bounceguard daemon starting",
		"version", c.version,
		"addr", srv.Addr(),
		"database", sess.dbPath,
	)
	return srv.Run(ctx)
}
