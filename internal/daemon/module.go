package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/dmsync/internal/api"
	"github.com/matheus3301/dmsync/internal/auth"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/config"
	"github.com/matheus3301/dmsync/internal/lock"
	"github.com/matheus3301/dmsync/internal/logging"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/profile"
	"github.com/matheus3301/dmsync/internal/push"
	"github.com/matheus3301/dmsync/internal/registry"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
	SocketPath  string // optional override for testing; empty = use default
	Token       string // optional credential installed at startup
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCredentials,
			provideTransport,
			provideStore,
			provideCursors,
			provideOutbox,
			provideRegistry,
			providePush,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Config.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredentials(p Params, b *bus.Bus, logger *zap.Logger) *auth.Provider {
	creds := auth.NewProvider(b)
	if p.Token != "" {
		if cred, err := creds.Set(p.Token); err != nil {
			logger.Warn("ignoring startup token", zap.Error(err))
		} else {
			logger.Info("credential installed", zap.String("user_id", cred.UserID))
		}
	}
	return creds
}

func provideTransport(p Params, creds *auth.Provider) *transport.Client {
	return transport.New(p.Config.Server.BaseURL, creds, p.Config.Server.RequestTimeout.Duration)
}

func provideStore(logger *zap.Logger) *store.Store {
	return store.New(logger)
}

func provideCursors(logger *zap.Logger) *intsync.Tracker {
	return intsync.NewTracker(logger)
}

func provideOutbox(p Params, tc *transport.Client, creds *auth.Provider, b *bus.Bus, logger *zap.Logger) *outbox.Reconciler {
	oc := p.Config.Outbox
	return outbox.New(tc, creds, outbox.Config{
		ConfirmTimeout: oc.ConfirmTimeout.Duration,
		MaxAttempts:    oc.MaxAttempts,
		SendsPerSecond: oc.SendsPerSecond,
	}, b, logger.Named("outbox"))
}

func provideRegistry(p Params, st *store.Store, cursors *intsync.Tracker, ob *outbox.Reconciler, tc *transport.Client, creds *auth.Provider, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	sc := p.Config.Sync
	return registry.New(registry.Deps{
		Store:    st,
		Cursors:  cursors,
		Outbox:   ob,
		Fetcher:  tc,
		Creds:    creds,
		Identity: creds,
		Bus:      b,
		Logger:   logger.Named("sync"),
	}, registry.Config{
		MaxActive: sc.MaxActive,
		Engine: intsync.Config{
			BaseInterval: sc.BaseInterval.Duration,
			MaxInterval:  sc.MaxInterval.Duration,
			FetchTimeout: sc.FetchTimeout.Duration,
			PageSize:     sc.PageSize,
		},
	})
}

func providePush(p Params, creds *auth.Provider, reg *registry.Registry, logger *zap.Logger) (*push.Client, error) {
	return push.New(p.Config.Server.BaseURL, creds, reg, logger)
}

func provideControlService(p Params, m *status.Machine, reg *registry.Registry, ob *outbox.Reconciler, creds *auth.Provider, tc *transport.Client, pc *push.Client, b *bus.Bus) *api.ControlService {
	return api.NewControlService(api.Deps{
		Profile:  p.ProfileName,
		Machine:  m,
		Registry: reg,
		Outbox:   ob,
		Creds:    creds,
		Authn:    tc,
		Push:     pc,
		Bus:      b,
	})
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	Lock     *lock.Lock
	Creds    *auth.Provider
	Outbox   *outbox.Reconciler
	Registry *registry.Registry
	Push     *push.Client
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Outbox.Start()

			// A new credential resumes every engine and reconnects push.
			d.Creds.OnChange(func(available bool) {
				if available {
					d.Registry.WakeAll()
				}
				d.Push.CredentialChanged()
			})

			follower := status.NewFollower(d.Machine, d.Creds.Available(), d.Logger.Named("status"))
			g.Go(func() error {
				follower.Run(gctx, d.Bus)
				return nil
			})
			g.Go(func() error {
				return d.Push.Run(gctx)
			})
			g.Go(func() error {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
					return err
				}
				return nil
			})

			if !d.Creds.Available() {
				d.Logger.Info("no credential, auth required")
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Server.Stop(stopCtx)
			cancel()
			if err := g.Wait(); err != nil {
				d.Logger.Warn("background task error", zap.Error(err))
			}
			d.Registry.Close()
			d.Outbox.Stop()
			_ = d.Machine.Transition(status.Stopped)
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}

// shutdownTimeout bounds OnStop for cmd/dmsyncd.
const shutdownTimeout = 10 * time.Second

// StopTimeout returns the fx option bounding daemon shutdown.
func StopTimeout() fx.Option {
	return fx.StopTimeout(shutdownTimeout)
}
