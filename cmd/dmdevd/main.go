package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/dmsync/internal/devserver"
	"github.com/matheus3301/dmsync/internal/logging"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5000", "listen address")
	dbPath := flag.String("db", "dmdevd.db", "sqlite database path")
	secret := flag.String("secret", os.Getenv("DMDEVD_SECRET"), "HMAC secret for tokens (at least 16 bytes)")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "token lifetime")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.NewConsole(*level)
	defer func() { _ = logger.Sync() }()

	if err := run(*addr, *dbPath, []byte(*secret), *ttl, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, dbPath string, secret []byte, ttl time.Duration, logger *zap.Logger) error {
	issuer, err := devserver.NewIssuer(secret, ttl)
	if err != nil {
		return err
	}

	db, err := devserver.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	res, err := db.Migrate()
	if err != nil {
		return err
	}
	logger.Info("database ready", zap.String("path", dbPath), zap.Uint("version", res.Version))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("dev server listening", zap.String("addr", ln.Addr().String()), zap.String("base_url", "http://"+ln.Addr().String()+"/api"))
	return devserver.New(db, issuer, logger).Run(ctx, ln)
}
