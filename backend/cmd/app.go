package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/adwski/callroom/backend/config"
	"github.com/adwski/callroom/backend/history"
	"github.com/adwski/callroom/backend/metrics"
	httpServer "github.com/adwski/callroom/backend/server/http"
	websocketServer "github.com/adwski/callroom/backend/server/websocket"
	"github.com/adwski/callroom/backend/service"
	"github.com/adwski/callroom/backend/storage/memory"
	"github.com/adwski/callroom/backend/storage/sqlite"
	sw "github.com/adwski/callroom/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.LogLevel)

	m := metrics.New()

	var (
		sink     history.Sink = history.Discard{}
		apiStore httpServer.HistoryStore
	)
	if cfg.HistoryDB != "" {
		store, errS := sqlite.Open(cfg.HistoryDB)
		if errS != nil {
			logger.Fatal().Err(errS).Str("path", cfg.HistoryDB).Msg("failed to open history database")
		}
		defer func() {
			if errC := store.Close(); errC != nil {
				logger.Error().Err(errC).Msg("failed to close history database")
			}
		}()
		sink, apiStore = store, store
	} else {
		logger.Warn().Msg("call history is disabled")
	}

	dispatcher := history.NewDispatcher(history.DispatcherConfig{
		Logger:       &logger,
		Sink:         sink,
		Observer:     m,
		WriteTimeout: cfg.HistoryWriteTimeout,
	})

	router := service.NewRouter(service.Config{
		Logger:      &logger,
		State:       memory.NewState(),
		Switch:      sw.NewSwitch(&logger, m),
		History:     dispatcher,
		Metrics:     m,
		CallTimeout: cfg.CallTimeout,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		Rooms:          router,
		History:        apiStore,
		ICEServers:     cfg.ICEServers,
		Metrics:        m.Handler(),
		AllowedOrigins: cfg.AllowedOrigins,
		ListenAddr:     cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		Router:         router,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		OutboundQueue:  cfg.OutboundQueue,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg       = &sync.WaitGroup{}
		routerWg = &sync.WaitGroup{}
		errc     = make(chan error, 2)
	)
	routerCtx, routerCancel := context.WithCancel(context.Background())
	routerWg.Add(1)
	go router.Run(routerCtx, routerWg)

	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	// servers are down, the router outlives them to apply pending disconnects
	routerCancel()
	routerWg.Wait()
	dispatcher.Wait()
}
