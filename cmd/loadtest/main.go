// Command loadtest гоняет конкурентные сценарии резервирования против REST API
// checkout-сервиса и сверяет остаток товара после прогона.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type loadMode string

const (
	modeReserve        loadMode = "reserve"
	modeReserveConfirm loadMode = "reserve-confirm"
	modeReserveCancel  loadMode = "reserve-cancel"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	sku         string
	// stock < 0 оставляет остаток на сервере без изменений.
	stock       int64
	quantity    int64
	ttl         time.Duration
	customerTag string
	idempotent  bool
	outputPath  string
}

func parseConfig(args []string, out io.Writer) (config, error) {
	var (
		cfg  config
		mode string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "base URL of the checkout REST API")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for a fixed time instead of a fixed count")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "scenarios in flight at once")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "HTTP request timeout")
	fs.StringVar(&mode, "mode", string(modeReserve), "reserve, reserve-confirm or reserve-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of reserve scenarios that cancel their hold")
	fs.StringVar(&cfg.sku, "sku", "SKU-LOAD", "product all scenarios compete for")
	fs.Int64Var(&cfg.stock, "stock", 100, "stock total to set before the run, negative keeps the current one")
	fs.Int64Var(&cfg.quantity, "quantity", 1, "units held by each reservation")
	fs.DurationVar(&cfg.ttl, "ttl", 0, "reservation ttl, zero means server default")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "prefix for generated customer ids")
	fs.BoolVar(&cfg.idempotent, "idempotent", true, "attach an idempotency key to mutating requests")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON summary to this file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.totalSet = cfg.totalSet || f.Name == "total"
	})

	cfg.mode = loadMode(strings.TrimSpace(mode))
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")
	cfg.sku = strings.TrimSpace(cfg.sku)
	cfg.customerTag = strings.TrimSpace(cfg.customerTag)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	positive := []validation.Rule{
		validation.Required.Error("must be positive"),
		validation.Min(1).Error("must be positive"),
	}
	nonNegative := validation.Min(0).Error("must not be negative")

	return validation.ValidateStruct(&c,
		validation.Field(&c.addr, validation.Required),
		validation.Field(&c.mode, validation.Required,
			validation.In(modeReserve, modeReserveConfirm, modeReserveCancel).Error("unsupported mode")),
		validation.Field(&c.duration, nonNegative),
		// без -duration прогон ограничен только total
		validation.Field(&c.total, validation.When(c.duration == 0 || c.totalSet, positive...)),
		validation.Field(&c.concurrency, positive...),
		validation.Field(&c.timeout, positive...),
		validation.Field(&c.quantity, positive...),
		validation.Field(&c.ttl, nonNegative),
		validation.Field(&c.cancelRate, nonNegative, validation.Max(100).Error("must be at most 100")),
		validation.Field(&c.sku, validation.Required),
		validation.Field(&c.customerTag, validation.Required),
	)
}

// admits решает, запускать ли сценарий с номером i.
func (c config) admits(i int, deadline time.Time) bool {
	if c.duration <= 0 {
		return i < c.total
	}
	if c.totalSet && i >= c.total {
		return false
	}
	return time.Now().Before(deadline)
}

// cancels: сценарий отменяет свой резерв вместо того, чтобы оставить его висеть.
func (c config) cancels(index int) bool {
	switch c.mode {
	case modeReserveCancel:
		return true
	case modeReserve:
		return index%100 < c.cancelRate
	default:
		return false
	}
}

func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return "duration:" + c.duration.String()
	}
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "loadtest:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cfg, err := parseConfig(args, out)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	result, err := execute(newClient(cfg), cfg)
	if err != nil {
		return err
	}
	printSummary(out, result, cfg)
	if cfg.outputPath != "" {
		if err := saveSummary(cfg.outputPath, result); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	switch {
	case result.Stock != nil && !result.Stock.Passed:
		return fmt.Errorf("stock verification failed: %s", result.Stock.Problem)
	case result.Scenarios.Failed > 0:
		return fmt.Errorf("%d scenarios failed", result.Scenarios.Failed)
	}
	return nil
}
