package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"provider/internal/api"
	"provider/internal/config"
	"provider/internal/dispatcher"
	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/history"
	"provider/internal/history/repo"
	"provider/internal/monitor"
	"provider/internal/queue"
	"provider/internal/reporter"
	"provider/internal/sandbox"
	"provider/internal/service"
	"provider/internal/session"
	"provider/internal/workspace"

	"github.com/redis/go-redis/v9"
)

const (
	busBufferSize   = 1024
	shutdownTimeout = 15 * time.Second
)

type Server struct {
	cfg        *config.Config
	deps       *Dependency
	svc        *service.Service
	bus        *eventbus.Bus
	runner     *sandbox.Runner
	queue      queue.Queue
	janitor    *workspace.Janitor
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency, hw hardware.Spec) (*Server, error) {
	logger := deps.Logger

	machineID := cfg.Agent.MachineID
	if machineID == "" {
		machineID, _ = os.Hostname()
	}

	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	publishers := []eventbus.Publisher{healthPublisher(hs)}
	if deps.Redis != nil {
		publishers = append(publishers, eventbus.NewRedisPublisher(deps.Redis, machineID, logger))
	}
	bus := eventbus.NewBus(logger, busBufferSize, publishers...)

	var q queue.Queue
	switch cfg.Queue.Backend {
	case config.QueueBackendAsynq:
		if deps.AsynqRedis == nil {
			return nil, errors.New("asynq queue requires redis")
		}
		// 给 sandbox 超时留出清理和上报的余量
		q = queue.NewAsynqQueue(*deps.AsynqRedis, cfg.Queue.Name, cfg.Sandbox.Timeout+5*time.Minute, logger)
	default:
		q = queue.NewMemoryQueue()
	}

	var hist history.Repository
	if deps.PG != nil {
		var cache redis.Cmdable
		if deps.Redis != nil {
			cache = deps.Redis
		}
		hist = repo.NewRepository(deps.PG, cache)
	} else {
		hist = history.NewMemoryRepository(0)
	}

	rep := reporter.NewClient(reporter.Config{
		BaseURL:    cfg.Agent.APIURL,
		Timeout:    cfg.Reporter.Timeout,
		MaxRetries: cfg.Reporter.MaxRetries,
		RetryDelay: cfg.Reporter.RetryDelay,
	}, logger)

	materializer := workspace.NewMaterializer(cfg.Workspace.Root, logger)
	runner := sandbox.NewRunner(deps.Docker, sandbox.ConfigFrom(cfg.Sandbox), bus, logger)

	disp := dispatcher.NewDispatcher(q, materializer, runner, rep, hist, bus, dispatcher.Config{
		KeepWorkspaces: cfg.Workspace.Keep,
		ReportTimeout:  cfg.Reporter.Timeout,
	}, logger)

	sup := session.NewSupervisor(session.Config{
		WSURL:             cfg.Agent.WSURL,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		WriteTimeout:      cfg.Session.WriteTimeout,
		Policy:            session.PolicyFrom(cfg.Session),
	}, hw, disp, bus, bus, logger)

	svc := service.NewService(machineID, hw, sup, disp, rep, hist, bus, logger)

	janitor := workspace.NewJanitor(cfg.Workspace.Root, workspace.JanitorConfig{
		Interval: cfg.Workspace.JanitorInterval,
		MaxAge:   cfg.Workspace.MaxAge,
	}, logger)

	router := api.NewRouter(svc, cfg.API.AllowedOrigins)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &Server{
		cfg:        cfg,
		deps:       deps,
		svc:        svc,
		bus:        bus,
		runner:     runner,
		queue:      q,
		janitor:    janitor,
		httpServer: httpServer,
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger,
	}, nil
}

// Service exposes the agent facade, e.g. for starting with a CLI token.
func (s *Server) Service() *service.Service {
	return s.svc
}

// Start runs every listener until ctx is canceled or one of them fails, then
// shuts the agent down.
func (s *Server) Start(ctx context.Context) error {
	// 上次崩溃可能遗留容器
	reapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if n, err := s.runner.ReapOrphans(reapCtx); err != nil {
		s.logger.Warn("Failed to reap orphaned sandboxes", "error", err)
	} else if n > 0 {
		s.logger.Info("Reaped orphaned sandboxes", "count", n)
	}
	cancel()

	var grpcLis net.Listener
	if s.cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcLis = lis
	}

	// 事件总线比其他组件活得久，保证关闭时的 offline 状态也能送出
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		s.bus.Run(busCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.janitor.Start()
		return nil
	})

	if s.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := monitor.ServeMetrics(gctx, s.cfg.Metrics.Addr, s.svc.Ready, s.logger); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("Starting gRPC health server", "addr", s.cfg.GRPC.Addr)
			if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.logger.Info("Starting API server", "addr", s.cfg.API.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if s.cfg.Agent.Token != "" {
		if err := s.svc.Start(s.cfg.Agent.Token); err != nil {
			s.logger.Error("Failed to start agent", "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("Shutdown signal received, draining...")
		}
		s.shutdown()
		return nil
	})

	err := g.Wait()

	stopBus()
	<-busDone
	return err
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.svc.Stop()

	// SSE 连接在订阅关闭后才会退出，否则 Shutdown 会一直等到超时
	s.bus.CloseSubscribers()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.health.Shutdown()
	s.grpcServer.GracefulStop()

	s.janitor.Stop()

	if err := s.queue.Close(); err != nil {
		s.logger.Error("Queue close error", "error", err)
	}

	s.logger.Info("Server stopped gracefully")
}
