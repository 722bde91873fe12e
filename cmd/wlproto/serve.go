package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto/internal/config"
	"github.com/bnema/wlproto/internal/logger"
	"github.com/bnema/wlproto/internal/metrics"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/server"
	"github.com/bnema/wlproto/wl"
)

var (
	serveSocket  string
	serveMetrics string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a minimal Wayland display server",
	Long: `Run a display server that advertises wl_shm, wl_seat and wl_output
without any rendering behind them. Clients can connect, enumerate and
bind globals, which is enough to exercise protocol code.

Stop it with SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		if cmd.Flags().Changed("socket") {
			cfg.Server.Socket = serveSocket
		}
		if cmd.Flags().Changed("metrics") {
			cfg.Metrics.Address = serveMetrics
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveSocket, "socket", "s", "", "socket name in XDG_RUNTIME_DIR, or an absolute path (default: first free wayland-N)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics", "", "address to serve Prometheus metrics on, e.g. 127.0.0.1:9310")
}

func serve(cfg *config.Config) error {
	if err := applyRuntimeDir(cfg); err != nil {
		return err
	}

	d, err := server.NewDisplay()
	if err != nil {
		return fmt.Errorf("failed to create display: %w", err)
	}
	defer d.Destroy()
	d.SetMaxClients(cfg.Server.MaxClients)

	var reg *prometheus.Registry
	if cfg.Metrics.Address != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		d.SetObserver(collector)
	}

	if err := addGlobals(d); err != nil {
		return err
	}

	for _, sig := range []os.Signal{unix.SIGINT, unix.SIGTERM} {
		if _, err := d.EventLoop().AddSignal(sig, func(s os.Signal) error {
			logger.Info("shutting down", "signal", s)
			d.Terminate()
			return nil
		}); err != nil {
			return err
		}
	}

	name, err := d.AddSocket(cfg.Server.Socket)
	if err != nil {
		return err
	}
	logger.Info("display ready", "WAYLAND_DISPLAY", name)

	var g errgroup.Group
	var srv *http.Server
	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.Terminate()
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := d.Run()
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(ctx); serr != nil {
				logger.Warn("metrics server shutdown", "err", serr)
			}
		}
		return err
	})
	return g.Wait()
}

// addGlobals advertises the globals of the test server.
func addGlobals(d *server.Display) error {
	if _, err := d.AddGlobal(wl.Shm, 1, bindShm); err != nil {
		return err
	}
	if _, err := d.AddGlobal(wl.Seat, 7, bindSeat); err != nil {
		return err
	}
	if _, err := d.AddGlobal(wl.Output, 4, bindOutput); err != nil {
		return err
	}
	return nil
}

func bindSeat(c *server.Client, res *objtable.Object) error {
	res.SetHandler(wl.SeatRelease, destroyResource(c))
	if err := c.PostEvent(res, wl.SeatCapabilities, uint32(0)); err != nil {
		return err
	}
	if res.Version() >= 2 {
		return c.PostEvent(res, wl.SeatName, "seat0")
	}
	return nil
}

func bindOutput(c *server.Client, res *objtable.Object) error {
	res.SetHandler(wl.OutputRelease, destroyResource(c))
	if err := c.PostEvent(res, wl.OutputGeometry, int32(0), int32(0), int32(520), int32(290),
		int32(0), "wlproto", "virtual", int32(0)); err != nil {
		return err
	}
	if err := c.PostEvent(res, wl.OutputMode, uint32(wl.OutputModeCurrent|wl.OutputModePreferred),
		int32(1920), int32(1080), int32(60000)); err != nil {
		return err
	}
	if res.Version() >= 2 {
		if err := c.PostEvent(res, wl.OutputScale, int32(1)); err != nil {
			return err
		}
	}
	if res.Version() >= 4 {
		if err := c.PostEvent(res, wl.OutputName, "WL-1"); err != nil {
			return err
		}
		if err := c.PostEvent(res, wl.OutputDescription, "wlproto virtual output"); err != nil {
			return err
		}
	}
	if res.Version() >= 2 {
		return c.PostEvent(res, wl.OutputDone)
	}
	return nil
}

func destroyResource(c *server.Client) objtable.Handler {
	return func(res *objtable.Object, _ objtable.Args) error {
		return c.DestroyResource(res)
	}
}
