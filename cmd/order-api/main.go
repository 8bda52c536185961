package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/app"
	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/version"
)

type options struct {
	configPath string
	local      bool
}

// parseFlags разбирает аргументы командной строки.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("order-api", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "path to orderflow.yaml (default: ./orderflow.yaml or ./config/orderflow.yaml)")
	fs.BoolVar(&opts.local, "local", false, "run API and in-memory worker in one process")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, source, err := config.Load(opts.configPath)
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
		"http_addr": cfg.HTTP.Addr,
		"local":     opts.local,
		"postgres":  cfg.PostgresEnabled(),
		"kafka":     cfg.KafkaEnabled(),
	}).Info("запускаем order-api")

	if opts.local {
		err = app.RunLocal(ctx, cfg, source, logger)
	} else {
		err = app.RunAPI(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	logger.Info("order-api остановлен")
}
