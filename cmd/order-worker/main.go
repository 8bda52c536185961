package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/app"
	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to orderflow.yaml")
	flag.Parse()

	cfg, source, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("не удалось загрузить конфигурацию")
	}
	if err := config.ConfigureLogger(log.StandardLogger(), cfg); err != nil {
		log.WithError(err).Fatal("не удалось настроить логирование")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := version.Current()
	logger := log.WithFields(log.Fields{"version": build.Version, "commit": build.Commit})
	logger.WithFields(log.Fields{
		"brokers":      cfg.Kafka.Brokers,
		"group_id":     cfg.Kafka.GroupID,
		"grpc_addr":    cfg.GRPC.Addr,
		"metrics_addr": cfg.Metrics.Addr,
	}).Info("запускаем order-worker")

	if err := app.RunWorker(ctx, cfg, source, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("воркер завершился с ошибкой")
	}

	logger.Info("order-worker остановлен")
}
