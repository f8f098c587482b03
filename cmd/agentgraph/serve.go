package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/agentgraph/pkg/agentgraph"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/event"
	"github.com/randalmurphal/agentgraph/pkg/agentgraph/server"
)

type serveFlags struct {
	providerFlags
	addr        string
	approveAll  bool
	drainPeriod time.Duration
}

func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run control API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd, g, f, nil)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&f.provider, "provider", "mock", "default provider: mock or openai")
	cmd.Flags().StringVar(&f.model, "model", "", "default model for the openai provider")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "base URL for an openai-compatible endpoint")
	cmd.Flags().DurationVar(&f.mockLatency, "mock-latency", 0, "simulated latency of the mock provider")
	cmd.Flags().BoolVar(&f.approveAll, "approve-all", false, "approve every intervention automatically")
	cmd.Flags().DurationVar(&f.drainPeriod, "drain", 10*time.Second, "time allowed for runs and connections to finish on shutdown")
	return cmd
}

// serve runs the HTTP server until ctx is done. When ready is non-nil it
// receives the bound address once the listener is open.
func serve(ctx context.Context, cmd *cobra.Command, g *globalFlags, f *serveFlags, ready chan<- string) error {
	settings, err := g.settings()
	if err != nil {
		return err
	}
	if f.addr != "" {
		settings.Server.Addr = f.addr
	}
	logger, err := newLogger(cmd.ErrOrStderr(), settings)
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	bus := event.NewBus(event.BusConfig{
		NonBlocking: true,
		OnDrop: func(evt event.Event, subscriberID string) {
			logger.Warn("event dropped for slow subscriber", "subscription", subscriberID, "type", evt.Type)
		},
		OnError: func(evt event.Event, subscriberID string, err error) {
			logger.Warn("event subscriber failed", "subscription", subscriberID, "type", evt.Type, "error", err)
		},
	})
	defer bus.Close()

	st, err := buildStack(settings, f.providerFlags, logger, bus, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if settings.Events.RedisAddr != "" {
		if err := forwardToRedis(ctx, bus, st, settings.Events.RedisAddr, settings.Events.RedisChannel, logger); err != nil {
			_ = st.Close(context.Background())
			return err
		}
	}

	opts := []server.Option{server.WithLogger(logger)}
	if st.metrics != nil {
		opts = append(opts, server.WithMetricsHandler(st.metrics))
	}
	if st.tracer != nil {
		opts = append(opts, server.WithTracerProvider(st.tracer))
	}
	if f.approveAll {
		opts = append(opts, server.WithRunOptions(agentgraph.WithAutoApprove()))
	}
	api := server.New(st.engine, bus, opts...)

	ln, err := net.Listen("tcp", settings.Server.Addr)
	if err != nil {
		_ = st.Close(context.Background())
		return err
	}
	srv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("listening", "addr", ln.Addr().String())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "drain", f.drainPeriod)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), f.drainPeriod)
		defer cancel()
		return errors.Join(
			srv.Shutdown(shutdownCtx),
			api.Close(shutdownCtx),
			st.Close(shutdownCtx),
		)
	})
	return grp.Wait()
}

// forwardToRedis publishes every bus event to Redis pub/sub. The client is
// closed with the stack.
func forwardToRedis(ctx context.Context, bus *event.LocalBus, st *stack, addr, channel string, logger *slog.Logger) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis events at %s: %w", addr, err)
	}
	pub := event.NewRedisPublisher(client, channel)
	if bus.Subscribe(event.Filter{}, pub.Handle) == nil {
		_ = client.Close()
		return event.ErrBusClosed
	}
	st.closers = append(st.closers, func(context.Context) error { return client.Close() })
	logger.Info("forwarding events to redis", "addr", addr, "channel", channel)
	return nil
}
