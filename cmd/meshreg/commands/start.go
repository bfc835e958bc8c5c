package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/api"
	"github.com/meshreg/meshreg/pkg/config"
	"github.com/meshreg/meshreg/pkg/data"
	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/meta"
	"github.com/meshreg/meshreg/pkg/metrics"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/session"
	"github.com/meshreg/meshreg/pkg/session/push"
	"github.com/meshreg/meshreg/pkg/slot"
	slotsync "github.com/meshreg/meshreg/pkg/slot/sync"
	"github.com/meshreg/meshreg/pkg/storage"
	"github.com/meshreg/meshreg/pkg/transport"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a meshreg node",
	Long: `Start runs one node in the role configured under node.role:
session (registration stores and push pipeline) or data (slot-partitioned
datum store).`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	logger.Info("starting meshreg node",
		"role", string(cfg.Node.Role),
		"ip", cfg.Node.IP,
		logger.KeyDataCenter, cfg.Node.DataCenter,
		"version", Version)

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	var recorder *meta.DiskSlotTableRecorder
	if cfg.Recorder.Enabled {
		recorder, err = meta.NewDiskSlotTableRecorder(cfg.Recorder.Dir, cfg.Recorder.MaxFiles)
		if err != nil {
			return err
		}
	}
	metaHandler := meta.NewHandler(recorder)

	// Single-process wiring: the loopback fabric stands in for the wire
	// transport; replace it behind the same interfaces in a multi-node
	// deployment.
	fabric := transport.NewLoopback()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var apiSources api.Sources
	var shutdown []func()

	switch cfg.Node.Role {
	case config.RoleData:
		apiSources, shutdown, err = startDataNode(cfg, fabric, metaHandler)
	case config.RoleSession:
		apiSources, shutdown, err = startSessionNode(cfg, fabric, metaHandler)
	default:
		err = fmt.Errorf("unknown role %q", cfg.Node.Role)
	}
	if err != nil {
		return err
	}
	apiSources.Tables = metaHandler
	defer func() {
		for i := len(shutdown) - 1; i >= 0; i-- {
			shutdown[i]()
		}
	}()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Port)
	}

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API, apiSources)
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("admin API stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func startDataNode(cfg *config.Config, fabric *transport.Loopback, metaHandler *meta.Handler) (api.Sources, []func(), error) {
	store := storage.NewLocalDatumStore(cfg.Node.DataCenter, cfg.Slot.Count)

	var persistence *storage.Persistence
	var shutdown []func()
	if cfg.Storage.PersistenceEnabled {
		p, err := storage.OpenPersistence(cfg.Storage.Dir)
		if err != nil {
			return api.Sources{}, nil, err
		}
		persistence = p
		shutdown = append(shutdown, func() { _ = p.Close() })
	}

	syncer := slotsync.NewSyncer(fabric, store, slotsync.Config{PageSize: cfg.Slot.SyncPageSize})

	manager := slot.NewManager(cfg.Node.IP, slot.Config{
		SlotCount:                  cfg.Slot.Count,
		LeaderSyncSessionInterval:  cfg.Slot.LeaderSyncSessionInterval,
		FollowerSyncLeaderInterval: cfg.Slot.FollowerSyncLeaderInterval,
		WatchdogTick:               cfg.Slot.WatchdogTick,
		SyncTimeout:                cfg.Slot.SyncTimeout,
		MigrateExecutor:            executorConfig(cfg.Executors.MigrateSession),
		SyncSessionExecutor:        executorConfig(cfg.Executors.SyncSession),
		SyncLeaderExecutor:         executorConfig(cfg.Executors.SyncLeader),
	}, store, syncer, sessionSource{fabric}, nil, metrics.NewSlotMetrics())

	node := data.NewNode(cfg.Node.IP, cfg.Node.DataCenter, store, manager, fabric, sessionSource{fabric}, data.Options{
		Persistence: persistence,
	})

	metaHandler.AddListener(manager)
	fabric.RegisterDataNode(cfg.Node.IP, node)
	manager.Start()
	shutdown = append(shutdown, manager.Close)

	return api.Sources{
		Slots: manager,
		Stats: func() map[string]any {
			return map[string]any{
				"datums": store.Count(),
				"slots":  len(store.SlotIDs()),
			}
		},
	}, shutdown, nil
}

func startSessionNode(cfg *config.Config, fabric *transport.Loopback, metaHandler *meta.Handler) (api.Sources, []func(), error) {
	processor := push.NewProcessor(push.Config{
		StopPush:     cfg.Push.StopPush,
		RetryMax:     cfg.Push.RetryMax,
		Expire:       cfg.Push.Expire,
		WatchdogTick: cfg.Push.WatchdogTick,
		Executor:     executorConfig(cfg.Push.Executor),
	}, fabric, metrics.NewPushMetrics())

	manager := session.NewManager(session.Config{
		IP:         cfg.Node.IP,
		DataCenter: cfg.Node.DataCenter,
		SlotCount:  cfg.Slot.Count,
	}, processor, fabric, fabric)

	metaHandler.AddListener(slotTableFunc(manager.UpdateSlotTable))
	fabric.RegisterSession(cfg.Node.IP, manager)
	processor.Start()
	shutdown := []func(){processor.Close}

	// dynamic config: stop-push reloads without restart
	if cfgFile != "" {
		stopWatch, err := config.Watch(cfgFile, func(next *config.Config) {
			processor.SetStopPush(next.Push.StopPush)
		})
		if err != nil {
			logger.Warn("config watch unavailable", "error", err)
		} else {
			shutdown = append(shutdown, stopWatch)
		}
	}

	return api.Sources{
		Push: processor,
		Stats: func() map[string]any {
			return map[string]any{
				"publishers":  manager.DataStore().Count(),
				"subscribers": manager.Interests().Count(),
				"watchers":    manager.Watchers().Count(),
			}
		},
	}, shutdown, nil
}

func startMetricsServer(ctx context.Context, port int) {
	handler := metrics.Handler()
	if handler == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func executorConfig(e config.ExecutorConfig) executor.Config {
	return executor.Config{Workers: e.Workers, QueueSize: e.Queue}
}

// sessionSource adapts the loopback fabric's registered sessions to the
// slot manager's live-session view.
type sessionSource struct {
	fabric *transport.Loopback
}

func (s sessionSource) LiveSessions() []string {
	return s.fabric.SessionIPs()
}

// slotTableFunc adapts a function to meta.TableListener.
type slotTableFunc func(t *model.SlotTable) bool

func (f slotTableFunc) UpdateSlotTable(t *model.SlotTable) bool { return f(t) }
