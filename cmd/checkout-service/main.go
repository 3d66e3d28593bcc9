package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/app"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
}

// run разбирает флаги, читает конфигурацию и блокируется до SIGINT/SIGTERM.
func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("checkout-service", flag.ContinueOnError)
	fs.SetOutput(out)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		_, err := fmt.Fprintln(out, version.String())
		return err
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"kafka":        cfg.Kafka.Enabled(),
		"version":      version.Current().Version,
	}).Info("запускаем checkout-service")

	if err := app.Run(ctx, cfg); err != nil {
		return err
	}

	log.Info("checkout-service остановлен")
	return nil
}
