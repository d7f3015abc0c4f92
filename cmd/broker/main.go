// Package main запускает HTTP-сервер сервиса брокера.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/broker-system/internal/catalog"
	"github.com/mmeshcher/broker-system/internal/config"
	"github.com/mmeshcher/broker-system/internal/handler"
	"github.com/mmeshcher/broker-system/internal/middleware"
	"github.com/mmeshcher/broker-system/internal/provider"
	"github.com/mmeshcher/broker-system/internal/rental"
	"github.com/mmeshcher/broker-system/internal/repository"
	"github.com/mmeshcher/broker-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	providerClient := provider.NewClient(cfg.ProviderAddress, cfg.ProviderAPIKey)

	catalogTTL := time.Duration(cfg.CatalogTTLSeconds) * time.Second
	priceCatalog := catalog.NewCache(providerClient, catalogTTL, cfg.ProfitRate)

	rentals := rental.NewStore()
	rentalTimeout := time.Duration(cfg.RentalTimeoutSeconds) * time.Second

	svc := service.NewService(repo, providerClient, priceCatalog, rentals, cfg.AdminUserID, cfg.BotCutRate, rentalTimeout)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое обновление каталога цен. Первая загрузка тоже здесь: сервер
	// поднимается даже при недоступном провайдере, каталог догрузится позже.
	g.Go(func() error {
		ticker := time.NewTicker(catalogTTL)
		defer ticker.Stop()

		for {
			if err := priceCatalog.Refresh(ctx, false); err != nil {
				sugar.Warnw("catalog refresh error", "error", err.Error())
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting broker server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
