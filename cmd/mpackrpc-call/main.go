// Command mpackrpc-call makes one msgpack-rpc call and prints the result.
//
//	mpackrpc-call -config mpackrpc.toml Echo.Echo '{"Message":"hi"}'
//	mpackrpc-call -addr 127.0.0.1:7070 Echo.Echo '{"Message":"hi"}'
//
// The args are a JSON value sent as the single call parameter. Instances
// come from the configured etcd registry, or from -addr when given.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"mpack-rpc/client"
	"mpack-rpc/config"
	"mpack-rpc/loadbalance"
	"mpack-rpc/logging"
	"mpack-rpc/registry"

	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mpackrpc-call: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mpackrpc-call", flag.ContinueOnError)
	path := fs.String("config", "", "path to a TOML config file")
	addr := fs.String("addr", "", "call this address instead of discovering one")
	timeout := fs.Duration("timeout", 10*time.Second, "call timeout")
	notify := fs.Bool("notify", false, "send a notification and do not wait")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: mpackrpc-call [flags] Service.Method [json-args]")
	}
	method := fs.Arg(0)

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

	params, err := parseArgs(fs.Arg(1))
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg, *addr, method, logger)
	if err != nil {
		return err
	}
	defer closeReg()

	cli := client.NewClient(reg, loadbalance.New(cfg.Client.Balancer), cfg.Client.PoolSize,
		client.WithLogger(logger),
		client.WithTableCapacity(cfg.Server.TableCapacity),
		client.WithDialTimeout(cfg.Client.DialTimeout),
	)
	defer cli.Close()

	if *notify {
		return cli.Notify(method, params)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	var reply any
	if err := cli.Call(ctx, method, params, &reply); err != nil {
		return err
	}
	fmt.Printf("%v\n", reply)
	return nil
}

// parseArgs decodes the JSON call argument; an empty string sends nil.
func parseArgs(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	return v, nil
}

// openRegistry returns a registry holding only addr when one is given, and
// the configured etcd registry otherwise.
func openRegistry(cfg config.Config, addr, method string, logger *zap.Logger) (registry.Registry, func(), error) {
	if addr != "" {
		service, _, _ := strings.Cut(method, ".")
		reg := registry.NewMemoryRegistry()
		if err := reg.Register(service, registry.ServiceInstance{Addr: addr, Weight: 1}, 0); err != nil {
			return nil, nil, err
		}
		return reg, func() {}, nil
	}
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil, errors.New("no registry endpoints configured and no -addr given")
	}
	etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}
	return etcd, func() { etcd.Close() }, nil
}
