// Command mpackrpcd serves a demo Echo service over msgpack-rpc.
//
//	mpackrpcd -config mpackrpcd.toml
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpack-rpc/config"
	"mpack-rpc/logging"
	"mpack-rpc/middleware"
	"mpack-rpc/registry"
	"mpack-rpc/server"

	"go.uber.org/zap"
)

// Echo returns its argument.
type Echo struct{}

type EchoArgs struct {
	Message string
}

type EchoReply struct {
	Message string
}

func (e *Echo) Echo(args *EchoArgs, reply *EchoReply) error {
	reply.Message = args.Message
	return nil
}

func (e *Echo) Fail(args *EchoArgs, reply *EchoReply) error {
	return errors.New(args.Message)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mpackrpcd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer etcd.Close()
		reg = etcd
	}

	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithTableCapacity(cfg.Server.TableCapacity),
		server.WithRegistryTTL(cfg.Registry.TTLSeconds),
	)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Limit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Limit.Rate, cfg.Limit.Burst))
	}
	if cfg.Limit.MaxConcurrent > 0 {
		svr.Use(middleware.ConcurrencyLimitMiddleware(cfg.Limit.MaxConcurrent))
	}
	if err := svr.Register(&Echo{}); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	served := make(chan error, 1)
	go func() { served <- svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, reg) }()

	select {
	case err := <-served:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	}
	if err := svr.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	return <-served
}
