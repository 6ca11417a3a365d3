// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mdrenewd runs the managed-domain renewal supervisor as a
// standalone daemon: it keeps certificates fresh in the store, serves
// HTTP-01 challenge responses, and exposes the status view and
// prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mkauf/mod-md/challenge"
	"github.com/mkauf/mod-md/renew"
	"github.com/mkauf/mod-md/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:           "mdrenewd",
		Short:         "ACME certificate renewal daemon for managed domains",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, debug)
		},
	}
	registerFlags(cmd.Flags(), &configPath, &debug)
	return cmd
}

func registerFlags(flags *pflag.FlagSet, configPath *string, debug *bool) {
	flags.StringVarP(configPath, "config", "c", "mdrenewd.yaml", "path to the configuration file")
	flags.BoolVar(debug, "debug", false, "enable debug logging")
}

func run(configPath string, debug bool) error {
	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %v", configPath, err)
	}

	st, err := store.NewFileStore(cfg.StoreBase, logger)
	if err != nil {
		return err
	}
	responder := challenge.NewHTTPResponder(st, logger)

	sup := renew.NewSupervisor(st, responder, cfg.supervisorConfig(), logger)
	sup.Metrics = renew.NewMetrics(prometheus.DefaultRegisterer)
	sup.Reload = func() {
		// certificates are consumed from the store; picking them up
		// needs no process restart here, just an acknowledgment
		logger.Info("renewed certificates promoted; consumers should reload")
		sup.RestartProcessed()
	}
	if err := sup.SetMDs(cfg.managedDomains()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reloadOnHUP(ctx, sup, configPath, logger)
	go serveChallenges(ctx, cfg.HTTPChallengeListen, responder, logger)
	go serveStatus(ctx, cfg.StatusListen, sup, logger)
	go maintainOCSP(ctx, sup, cfg.checkInterval())

	logger.Info("supervisor starting",
		zap.String("store", cfg.StoreBase),
		zap.String("ca", cfg.CAURL),
		zap.Duration("interval", cfg.checkInterval()))
	err = sup.Run(ctx, cfg.checkInterval())
	if err == context.Canceled {
		return nil
	}
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// reloadOnHUP re-reads the configuration on SIGHUP, the conventional
// reload signal.
func reloadOnHUP(ctx context.Context, sup *renew.Supervisor, configPath string, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("reloading config", zap.Error(err))
				continue
			}
			if err := sup.SetMDs(cfg.managedDomains()); err != nil {
				logger.Error("applying reloaded config", zap.Error(err))
				continue
			}
			logger.Info("configuration reloaded", zap.String("path", configPath))
		}
	}
}

func serveChallenges(ctx context.Context, addr string, responder *challenge.HTTPResponder, logger *zap.Logger) {
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           responder.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving http-01 challenges", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("challenge server", zap.Error(err))
	}
}

func serveStatus(ctx context.Context, addr string, sup *renew.Supervisor, logger *zap.Logger) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Mount("/md-status", sup.StatusHandler())
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.Info("serving status endpoints", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status server", zap.Error(err))
	}
}

// maintainOCSP refreshes staples on a fraction of the renewal
// interval, the way certificate maintenance traditionally splits the
// two cadences.
func maintainOCSP(ctx context.Context, sup *renew.Supervisor, interval time.Duration) {
	ocspInterval := interval / 12
	if ocspInterval < time.Minute {
		ocspInterval = time.Minute
	}
	ticker := time.NewTicker(ocspInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.UpdateOCSPStaples(ctx)
		}
	}
}
