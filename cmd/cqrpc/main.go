// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package main is the cqrpc command: a demo server for the worker and calc
// services and the clients that call them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/cqrpc"
	"github.com/luxfi/cqrpc/internal/config"
	"github.com/luxfi/cqrpc/internal/log"
	"github.com/luxfi/cqrpc/service"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	flags = struct {
		config        string
		transport     string
		addr          string
		dispatchLoops int
		maxInFlight   int
		maxBacklog    int
		logLevel      string
		codec         string
		count         int
		concurrency   int
	}{}

	rootCmd = &cobra.Command{
		Use:           "cqrpc",
		Short:         "Completion queue driven unary RPC demo.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Serves the worker and calc services.",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}

	tensorCmd = &cobra.Command{
		Use:   "tensor [key...]",
		Short: "Fetches tensors from a worker, keys 0..9 by default.",
		Args: func(cmd *cobra.Command, args []string) error {
			for _, a := range args {
				if _, err := strconv.ParseInt(a, 10, 64); err != nil {
					return errors.Wrapf(err, "parse key %q failed", a)
				}
			}
			return nil
		},
		RunE: runTensor,
	}

	calcCmd = &cobra.Command{
		Use:   "calc",
		Short: "Computes circle areas for radii 1..count.",
		Args:  cobra.NoArgs,
		RunE:  runCalc,
	}
)

// loadConfig layers the config file, the environment and the flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromFile(flags.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, errors.Wrap(err, "apply env failed")
	}
	f := cmd.Flags()
	if f.Changed("transport") {
		cfg.Transport = flags.transport
	}
	if f.Changed("addr") {
		cfg.Addr = flags.addr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if f.Changed("codec") {
		cfg.Codec = flags.codec
	}
	if f.Changed("dispatch-loops") {
		cfg.DispatchLoops = flags.dispatchLoops
	}
	if f.Changed("max-in-flight") {
		cfg.MaxInFlight = flags.maxInFlight
	}
	if f.Changed("max-backlog") {
		cfg.MaxBacklog = flags.maxBacklog
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config failed")
	}
	log.SetLogger(cfg.LogLevel)
	return cfg, nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.ServerOptions(logger)
	if err != nil {
		return err
	}
	lis, err := cqrpc.Listen(cfg.Addr, opts...)
	if err != nil {
		return errors.Wrap(err, "listen failed")
	}
	srv := cqrpc.NewServer(lis, opts...)
	worker := service.NewWorker(service.NewTensorTable(service.DefaultTensors, service.DefaultTensorWidth))
	if err := service.RegisterWorker(srv, worker); err != nil {
		return errors.Wrap(err, "register worker failed")
	}
	if err := service.RegisterCalc(srv, service.Calc{}); err != nil {
		return errors.Wrap(err, "register calc failed")
	}

	err = srv.Serve(ctx)
	st := srv.Stats()
	logger.WithFields(logrus.Fields{
		"created":    st.Created,
		"finished":   st.Finished,
		"aborted":    st.Aborted,
		"violations": st.Violations,
	}).Info("server summary")
	return errors.Wrap(err, "serve failed")
}

func dial(ctx context.Context, cmd *cobra.Command) (*cqrpc.Conn, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.DialOptions(logger)
	if err != nil {
		return nil, err
	}
	conn, err := cqrpc.Dial(ctx, cfg.Addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "dial failed")
	}
	return conn, nil
}

func runTensor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conn, err := dial(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	keys := make([]int64, 0, service.DefaultTensors)
	for _, a := range args {
		k, _ := strconv.ParseInt(a, 10, 64)
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		for k := int64(0); k < service.DefaultTensors; k++ {
			keys = append(keys, k)
		}
	}

	client := service.NewWorkerClient(conn)
	for _, k := range keys {
		tensor, err := client.RecvTensor(ctx, k)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d: %v\n", k, tensor.DoubleVal)
	}
	return nil
}

func runCalc(cmd *cobra.Command, _ []string) error {
	if flags.count < 1 {
		return errors.Errorf("count must be at least 1, got %d", flags.count)
	}
	ctx := cmd.Context()
	conn, err := dial(ctx, cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := service.NewCalcClient(conn)
	areas := make([]float64, flags.count)
	g, gctx := errgroup.WithContext(ctx)
	if flags.concurrency > 0 {
		g.SetLimit(flags.concurrency)
	} else {
		g.SetLimit(1)
	}
	for i := range areas {
		g.Go(func() error {
			area, err := client.CalcArea(gctx, float64(i+1))
			if err != nil {
				return err
			}
			areas[i] = area
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, area := range areas {
		fmt.Fprintf(cmd.OutOrStdout(), "radius %d: area %.4f\n", i+1, area)
	}
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "YAML config file")
	pf.StringVar(&flags.transport, "transport", cqrpc.DefaultTransport, fmt.Sprintf("transport, one of %v", cqrpc.AvailableTransports()))
	pf.StringVar(&flags.addr, "addr", config.DefaultAddr, "address to listen on or dial")
	pf.StringVar(&flags.logLevel, "log-level", "info", fmt.Sprintf("log level, one of %v", log.Levels))
	pf.StringVar(&flags.codec, "codec", "json", "payload codec, json or binary")

	serverCmd.Flags().IntVar(&flags.dispatchLoops, "dispatch-loops", 1, "number of dispatch loops")
	serverCmd.Flags().IntVar(&flags.maxInFlight, "max-in-flight", 0, "live call instances per method, 0 for unbounded")
	serverCmd.Flags().IntVar(&flags.maxBacklog, "max-backlog", cqrpc.DefaultMaxBacklog, "calls per method waiting for an acceptor")

	calcCmd.Flags().IntVar(&flags.count, "count", 10, "number of radii")
	calcCmd.Flags().IntVar(&flags.concurrency, "concurrency", 1, "calls in flight, each on its own handle")

	rootCmd.AddCommand(
		serverCmd,
		tensorCmd,
		calcCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
