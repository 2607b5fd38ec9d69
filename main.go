package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run", runID))

	var (
		tracker   Tracker
		analytics *Analytics
	)
	if cfg.DBPath != "" {
		db, err := OpenDB(cfg.DBPath)
		if err != nil {
			logger.Fatal("open analytics db", zap.String("path", cfg.DBPath), zap.Error(err))
		}
		defer db.Close()
		analytics = NewAnalytics(db, runID, logger.Named("analytics"))
		defer analytics.Stop()
		tracker = analytics
		tracker.Track(serverEvent(EvtServerStart, fmt.Sprintf(`{"size":%d,"max_number":%d,"tps":%d}`, cfg.Size, cfg.MaxNumber, cfg.TPS)))
	}

	game := NewGame(GameOptions{
		Config:  cfg.GameConfig(),
		Policy:  cfg.Policy(),
		Session: cfg.SessionOptions(),
		Logger:  logger.Named("game"),
		Tracker: tracker,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gameDone := make(chan struct{})
	go func() {
		defer close(gameDone)
		game.Run(ctx)
	}()
	go RunTicker(ctx, cfg.TickInterval(), game.Inbox())

	mux := SetupRoutes(Routes{
		Game:      game,
		Hub:       NewHub(maxConnsPerIP, maxTotalConns),
		Analytics: analytics,
		ClientDir: cfg.ClientDir,
		PublicURL: cfg.PublicURL,
		Logger:    logger.Named("http"),
	})
	server := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("client", cfg.ClientDir))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("ListenAndServe", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-gameDone
	game.Wait()
}
