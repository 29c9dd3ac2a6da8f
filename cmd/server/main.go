package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/spatial-core/internal/api"
	"github.com/annel0/spatial-core/internal/cache"
	"github.com/annel0/spatial-core/internal/codec"
	"github.com/annel0/spatial-core/internal/config"
	"github.com/annel0/spatial-core/internal/coordinator"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/annel0/spatial-core/internal/logging"
	"github.com/annel0/spatial-core/internal/observability"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/annel0/spatial-core/internal/world"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию $SPATIAL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	if cfg.Server.LogDir != "" {
		logging.SetLogDir(cfg.Server.LogDir)
	}
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Server.LogLevel))
	defer logging.GetLoggerManager().CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

// closers выполняет функции остановки в обратном порядке регистрации
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info("Запуск %s: %d карт, chunks=%s, objects=%s, locks=%s",
		cfg.Server.ServiceName, len(cfg.Maps), cfg.Storage.ChunkBackend, cfg.Storage.ObjectBackend, cfg.Coordinator.LockMode)

	var shutdown closers
	defer shutdown.run()

	if cfg.Server.Tracing {
		stopTracing, err := observability.InitTelemetry(ctx, observability.TracingConfig{
			ServiceName: cfg.Server.ServiceName,
			Endpoint:    cfg.Server.TraceEndpoint,
			Insecure:    cfg.Server.TraceInsecure,
			SampleRatio: cfg.Server.TraceSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("инициализация трассировки: %w", err)
		}
		shutdown.add(func() {
			if err := stopTracing(context.Background()); err != nil {
				logging.Warn("tracing shutdown: %v", err)
			}
		})
	}

	kb := knowledge.Default()
	if cfg.Knowledge.Path != "" {
		loaded, err := knowledge.LoadFile(cfg.Knowledge.Path)
		if err != nil {
			return fmt.Errorf("загрузка базы знаний %s: %w", cfg.Knowledge.Path, err)
		}
		kb = loaded
	}
	cd := codec.New(kb)

	chunks, err := openChunkStore(cfg.Storage, cd)
	if err != nil {
		return err
	}
	shutdown.add(func() { closeLogged("chunk store", chunks.Close) })

	objects, err := openObjectStore(cfg.Storage)
	if err != nil {
		return err
	}
	shutdown.add(func() { closeLogged("object store", objects.Close) })

	bus, err := openEventBus(cfg.EventBus)
	if err != nil {
		return err
	}
	shutdown.add(func() { closeLogged("event bus", bus.Close) })

	reg := prometheus.DefaultRegisterer
	if err := eventbus.RegisterMetrics(bus, reg); err != nil {
		return fmt.Errorf("метрики шины событий: %w", err)
	}

	if sub, err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("event logging listener: %v", err)
	} else {
		shutdown.add(sub.Unsubscribe)
	}

	lockMode, err := coordinator.ParseLockMode(cfg.Coordinator.LockMode)
	if err != nil {
		return err
	}
	coordMetrics := coordinator.NewMetrics(reg)
	ids := &coordinator.IDAllocator{}
	svc := coordinator.NewService(coordinator.ServiceConfig{
		Workers:        cfg.Coordinator.Workers,
		QueueSize:      cfg.Coordinator.QueueSize,
		RequestTimeout: cfg.Coordinator.RequestTimeout,
	})

	var invalidator cache.Invalidator
	if cfg.Cache.NATSURL != "" {
		n, err := cache.NewNATSInvalidator(cache.InvalidatorConfig{
			NATSURL: cfg.Cache.NATSURL,
			Subject: cfg.Cache.Subject,
		}, "")
		if err != nil {
			return err
		}
		shutdown.add(func() { closeLogged("chunk invalidator", n.Close) })
		invalidator = n
	}

	for _, m := range cfg.Maps {
		chunkCache, err := openChunkCache(ctx, cfg.Cache, m.ID, invalidator)
		if err != nil {
			return err
		}
		shutdown.add(chunkCache.Close)

		ix, built, err := world.Open(ctx, chunks, world.BuildOptions{
			MapID:    m.ID,
			Start:    vec.Vec3{X: m.Start[0], Y: m.Start[1], Z: m.Start[2]},
			End:      vec.Vec3{X: m.End[0], Y: m.End[1], Z: m.End[2]},
			LeafSize: vec.Vec3{X: m.LeafSize[0], Y: m.LeafSize[1], Z: m.LeafSize[2]},
			// Идентификаторы чанков разных карт не пересекаются
			FirstID: m.ID<<32 | 1,
			Cache:   chunkCache,
		})
		if err != nil {
			return fmt.Errorf("карта %d: %w", m.ID, err)
		}
		logging.Debug("Карта %d: корень %d, построена заново: %v", m.ID, ix.RootID(), built)

		coord, err := coordinator.New(coordinator.Options{
			Index:     ix,
			Objects:   objects,
			Knowledge: kb,
			Locks:     coordinator.NewLockTable(lockMode, cfg.Coordinator.LockStripes),
			IDs:       ids,
			Bus:       bus,
			Metrics:   coordMetrics,
		})
		if err != nil {
			return err
		}
		if err := svc.Register(coord); err != nil {
			return err
		}
	}

	if err := svc.Warm(ctx); err != nil {
		return err
	}
	svc.Start()
	shutdown.add(svc.Stop)

	rest := api.NewRestServer(api.Config{
		Port:        fmt.Sprintf(":%d", cfg.Server.GetRESTPort()),
		ServiceName: cfg.Server.ServiceName,
		Service:     svc,
		Bus:         bus,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- rest.Start() }()

	logging.Info("✅ Сервис готов: REST http://localhost:%d, health /health, metrics /metrics", cfg.Server.GetRESTPort())

	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("REST сервер: %w", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rest.Stop(stopCtx); err != nil {
		logging.Error("Остановка REST API: %v", err)
	}
	return nil
}

func openChunkCache(ctx context.Context, cfg config.CacheConfig, mapID uint64, inv cache.Invalidator) (*cache.ChunkCache, error) {
	c, err := cache.NewChunkCache(cache.ChunkCacheConfig{MapID: mapID, MaxChunks: cfg.MaxChunks, Invalidator: inv})
	if err != nil {
		return nil, fmt.Errorf("карта %d: %w", mapID, err)
	}
	if err := c.Subscribe(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("карта %d: %w", mapID, err)
	}
	return c, nil
}

func closeLogged(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Warn("close %s: %v", name, err)
	}
}
