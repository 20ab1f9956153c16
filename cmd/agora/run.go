package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/sourcegraph/conc"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/container"
	"github.com/mtzanidakis/agora/internal/logging"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/peer"
	"github.com/mtzanidakis/agora/internal/recovery"
	"github.com/mtzanidakis/agora/internal/registry"
	"github.com/mtzanidakis/agora/internal/router"
	"github.com/mtzanidakis/agora/internal/store"
	"github.com/mtzanidakis/agora/internal/telegram"
	"github.com/mtzanidakis/agora/internal/web"
	"github.com/mtzanidakis/agora/internal/worker"
)

func runAgent(name string) error {
	path := config.Path()
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	def, ok := cfg.Agent(name)
	if !ok {
		return fmt.Errorf("agent %s is not defined in %s", name, path)
	}

	logger, err := logging.New(cfg.Log, name)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	log := logger.Logger

	log.Info("starting agent", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	logger.AttachStore(db)

	// The router hosts the embedded NATS server; everyone else connects.
	var busClient *natsbus.Client
	if name == config.RouterAgentName && cfg.NATS.Embed {
		bus, err := natsbus.New(cfg.NATS, natsbus.WithServerLogger(log))
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		busClient, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		log.Info("nats started", "port", cfg.NATS.Port)
	} else if cfg.NATS.URL != "" {
		busClient, err = natsbus.NewClientFromURL(cfg.NATS.URL, name)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
	}
	if busClient != nil {
		defer busClient.Close()
	}

	var notifier *telegram.Notifier
	if cfg.Telegram.Token != "" {
		notifier, err = telegram.New(cfg.Telegram, telegram.WithLogger(log))
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
	}

	table := capability.NewTable()
	if err := capability.FromConfig(table, def.Handlers); err != nil {
		return fmt.Errorf("load handlers: %w", err)
	}

	dir := peer.NewDirectory(cfg.Agents)
	peers := peer.NewClient(cfg.Router, dir, name)

	var (
		rt       *worker.Runtime
		rtr      *router.Router
		sweeper  *recovery.Sweeper
		restarts *container.Manager
		hub      *web.Hub
	)

	switch name {
	case config.RouterAgentName:
		reg, err := registry.New(cfg.Agents)
		if err != nil {
			return fmt.Errorf("build registry: %w", err)
		}
		opts := []router.Option{
			router.WithDirectory(dir),
			router.WithHeartbeatWindow(cfg.Recovery.HeartbeatStale),
			router.WithStatus(func() any { return rt.Status() }),
			router.WithLogger(log),
		}
		if cfg.Router.DockerRestart {
			restarts, err = container.NewManager(cfg.Agents, container.WithLogger(log))
			if err != nil {
				log.Warn("docker unavailable, restarts will only re-probe", "error", err)
			} else {
				defer restarts.Close()
				opts = append(opts, router.WithRestarter(restarts))
			}
		}
		if notifier != nil {
			opts = append(opts, router.WithNotifier(notifier))
		}
		rtr = router.New(reg, peers, db, cfg.Router, opts...)
		if err := rtr.Install(table); err != nil {
			return fmt.Errorf("install router: %w", err)
		}

	case config.RecoveryAgentName:
		opts := []recovery.Option{
			recovery.WithLogDir(cfg.Log.Dir),
			recovery.WithBackup(cfg.Backup),
			recovery.WithLogger(log),
		}
		if notifier != nil {
			opts = append(opts, recovery.WithNotifier(notifier))
		}
		sweeper = recovery.New(db, cfg.Recovery, opts...)
		if err := sweeper.Install(table); err != nil {
			return fmt.Errorf("install recovery: %w", err)
		}
	}

	if notifier != nil && slices.Contains(def.Keywords, telegram.TaskReply) && !table.Has(telegram.TaskReply) {
		if err := notifier.Install(table); err != nil {
			return fmt.Errorf("install telegram reply: %w", err)
		}
	}

	wopts := []worker.Option{worker.WithPeers(peers), worker.WithLogger(log)}
	if busClient != nil {
		wopts = append(wopts, worker.WithBus(busClient))
	}
	rt, err = worker.New(ctx, def, cfg.Worker, db, table, wopts...)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	if rtr != nil && cfg.Router.Events && busClient != nil {
		hub = web.NewHub(log)
		if _, err := hub.Attach(busClient); err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		web.NewServer(db, hub, log).Register(rt)
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	var wg conc.WaitGroup
	if hub != nil {
		wg.Go(func() { hub.Run(ctx) })
	}
	if rtr != nil {
		wg.Go(func() { rtr.Run(ctx) })
	}
	if sweeper != nil {
		wg.Go(func() { sweeper.Run(ctx) })
	}
	wg.Go(func() {
		err := config.Watch(ctx, path, cfg, func(next *config.Config, d config.ConfigDiff) {
			if d.WorkerChanged {
				rt.UpdateConfig(d.NewWorker)
			}
			if len(d.AgentsAdded) > 0 || len(d.AgentsRemoved) > 0 || len(d.AgentsChanged) > 0 {
				dir.Update(next.Agents)
				if restarts != nil {
					restarts.UpdateAgents(next.Agents)
				}
			}
			if rtr != nil {
				if err := rtr.Reload(next, d); err != nil {
					log.Error("router reload rejected", "error", err)
				}
			}
			if sweeper != nil && d.RecoveryChanged {
				sweeper.UpdateConfig(d.NewRecovery)
			}
			if notifier != nil && d.AdminChatChanged {
				notifier.SetAdminChat(d.NewAdminChatID)
			}
		})
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	})

	<-ctx.Done()
	log.Info("shutting down")

	stopErr := rt.Stop(context.Background())
	if r := wg.WaitAndRecover(); r != nil {
		log.Error("background loop panicked", "panic", r.Value)
	}
	return stopErr
}
