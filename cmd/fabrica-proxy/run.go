//go:build linux

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-pantheon/fabrica-proxy/conf"
	"github.com/go-pantheon/fabrica-proxy/http/health"
	"github.com/go-pantheon/fabrica-proxy/proxy"
	"github.com/go-pantheon/fabrica-proxy/server"
	"github.com/go-pantheon/fabrica-util/errors"
	"github.com/go-pantheon/fabrica-util/xsync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 30 * time.Second

var runFlags struct {
	conf   string
	bind   string
	health string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the proxy with the given configuration.

Settings are read from the defaults, then the configuration file, then
FABRICA_PROXY_* environment variables, then the flags below.

Examples:
  # Start with defaults
  fabrica-proxy run

  # Override the listen address
  fabrica-proxy run --bind 127.0.0.1:8080`,
	RunE: runProxy,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.conf, "conf", "c", "", "yaml configuration file")
	runCmd.Flags().StringVarP(&runFlags.bind, "bind", "b", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.health, "health", "", "override health and metrics address")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	c, err := conf.Load(runFlags.conf)
	if err != nil {
		return err
	}

	if runFlags.health != "" {
		c.Health.Addr = runFlags.health
	}

	bind := c.Server.Bind
	if runFlags.bind != "" {
		bind = runFlags.bind
	}

	svr, err := proxy.NewServer(bind, server.WithConf(c))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err = svr.Start(ctx); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	if c.Health.Addr != "" {
		hs := health.NewServer(c.Health.Addr, svr.Registry(), svr.Active)

		eg.Go(func() error {
			return hs.Start(ctx)
		})

		eg.Go(func() error {
			<-ctx.Done()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()

			return hs.Stop(stopCtx)
		})
	}

	sig := make(chan os.Signal, 1)

	eg.Go(func() error {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
		defer signal.Stop(sig)

		select {
		case <-sig:
			return xsync.ErrSignalStop
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, xsync.ErrSignalStop) {
		err = nil
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	if stopErr := svr.Stop(stopCtx); stopErr != nil {
		err = errors.JoinUnsimilar(err, stopErr)
	}

	if err != nil {
		log.Errorf("proxy stopped. %+v", err)
		return err
	}

	log.Infof("proxy stopped")

	return nil
}
