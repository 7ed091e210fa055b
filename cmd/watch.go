package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/esl/client"
	"github.com/luma/esl/internal/bridge"
	"github.com/luma/esl/internal/meta"
	"github.com/luma/esl/protocol"
	"github.com/luma/esl/storage"
)

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the engine and stream its events",
	Long: `Connect to the engine and stream its events

Events are logged and served to websocket clients on /events. Connection
state is served on /connections and metrics on /metrics.

Usage
	esl watch --config esl.toml

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, log, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		if conf.WorkerThreads > 0 {
			runtime.GOMAXPROCS(conf.WorkerThreads)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		store := storage.NewInmemoryStore()
		defer store.Close()

		hub := bridge.NewHub(bridge.Options{Log: log.Named("bridge")})
		defer hub.Close()

		tracker := client.NewJobTracker(store, log.Named("jobs"))
		router := client.NewRouter(client.RouterOptions{Registerer: reg, Log: log.Named("router")})

		forward := client.HandlerFunc(func(ctx context.Context, ev *protocol.Event) error {
			log.Info("Event",
				zap.String("event", ev.Name),
				zap.String("format", string(ev.Format)),
				zap.Int("fields", len(ev.Fields)))

			return hub.HandleEvent(ctx, ev)
		})

		router.SetDefaultHandler(forward)
		router.Register(client.BackgroundJobEvent, tracker)
		router.Register(client.BackgroundJobEvent, forward)

		// Stop watching once the connection is gone
		watchCtx, stopWatching := context.WithCancel(ctx)
		defer stopWatching()

		observer := client.ObserverFunc(func(ev client.LifecycleEvent) {
			log.Info("Connection event",
				zap.Stringer("kind", ev.Kind),
				zap.String("remoteAddr", ev.RemoteAddr),
				zap.Error(ev.Cause))

			if ev.Kind == client.EventClosed {
				stopWatching()
			}
		})

		conn, err := connect(ctx, conf, router, observer, reg, log)
		if err != nil {
			return err
		}

		registry := client.NewRegistry()
		if err := registry.Add(conf.Host, conn); err != nil {
			conn.Close()
			return err
		}

		defer func() {
			if cerr := registry.CloseAll(); cerr != nil {
				log.Warn("Connections did not close cleanly", zap.Error(cerr))
			}
		}()

		if err := conn.SubscribeEvents(ctx, protocol.Format(conf.EventFormat), conf.Events...); err != nil {
			return err
		}

		httpRouter := setupRouter(conf.DebugHTTP, log)
		registerRoutes(httpRouter, reg, registry, hub, tracker)

		s := &http.Server{
			Addr:    conf.HTTPAddr,
			Handler: httpRouter,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Watching",
			zap.Any("config", conf.Redacted()),
			zap.String("remoteAddr", conn.RemoteAddr()))

		<-watchCtx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting", zap.NamedError("cause", conn.Cause()))
		return nil
	},
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in RFC3339
	// with UTC time format.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping", "/metrics"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

type connectionInfo struct {
	Name       string `json:"name"`
	RemoteAddr string `json:"remoteAddr"`
	State      string `json:"state"`
	Cause      string `json:"cause,omitempty"`
}

func registerRoutes(
	r *gin.Engine,
	reg *prometheus.Registry,
	registry *client.Registry,
	hub *bridge.Hub,
	tracker *client.JobTracker,
) {
	// Ping test
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, meta.GetInfo())
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	r.GET("/connections", func(c *gin.Context) {
		infos := make([]connectionInfo, 0)

		for _, name := range registry.Names() {
			conn, ok := registry.Get(name)
			if !ok {
				continue
			}

			info := connectionInfo{
				Name:       name,
				RemoteAddr: conn.RemoteAddr(),
				State:      conn.State().String(),
			}

			if cause := conn.Cause(); cause != nil {
				info.Cause = cause.Error()
			}

			infos = append(infos, info)
		}

		c.JSON(http.StatusOK, infos)
	})

	r.GET("/jobs", func(c *gin.Context) {
		results, err := tracker.Results()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, results)
	})

	r.GET("/jobs/:id", func(c *gin.Context) {
		result, err := tracker.Result(c.Request.Context(), c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}

		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	r.GET("/events", hub.Serve)
}
