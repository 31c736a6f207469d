// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Command classifierctl is a demo and benchmark harness for the flow
// classifier: it builds a Classifier from random rules, runs a single
// writer goroutine churning it against concurrent reader goroutines
// doing lookups, and serves the resulting Prometheus metrics over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		numRules   int
		numReaders int
		listenAddr string
	)

	root := &cobra.Command{
		Use:   "classifierctl",
		Short: "Run a concurrent demo of the flow classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			reg := prometheus.NewRegistry()
			m := newMetrics(reg)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutting down")
				cancel()
			}()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: listenAddr, Handler: mux}
			go func() {
				log.Info("serving metrics", zap.String("addr", listenAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			go func() {
				<-ctx.Done()
				srv.Close() //nolint:errcheck
			}()

			runDemo(ctx, log, numRules, numReaders, m)
			return nil
		},
	}

	root.Flags().IntVar(&numRules, "rules", 10_000, "number of random rules to install")
	root.Flags().IntVar(&numReaders, "readers", 4, "number of concurrent lookup goroutines")
	root.Flags().StringVar(&listenAddr, "listen", ":9090", "address to serve /metrics on")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
