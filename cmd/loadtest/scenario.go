package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	httpapi "github.com/vladislavdragonenkov/checkout/internal/transport/http"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const outcomeError = "transport_error"

type reservationBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ledgerBody struct {
	ProductID string `json:"product_id"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Total     int64  `json:"total"`
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// tally считает исходы резервов для сверки остатка.
type tally struct {
	reserved atomic.Int64
	rejected atomic.Int64
	released atomic.Int64
}

func newClient(cfg config) *resty.Client {
	return resty.New().
		SetBaseURL(cfg.addr).
		SetTimeout(cfg.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent("checkout-loadtest"))
}

// execute выставляет остаток, прогоняет сценарии и сверяет учёт.
func execute(client *resty.Client, cfg config) (summary, error) {
	if cfg.stock >= 0 {
		if _, err := setStock(client, cfg.sku, cfg.stock); err != nil {
			return summary{}, fmt.Errorf("prepare stock: %w", err)
		}
	}
	before, err := getLedger(client, cfg.sku)
	if err != nil {
		return summary{}, fmt.Errorf("read stock before run: %w", err)
	}

	started := time.Now()
	runner := &scenario{
		client: client,
		cfg:    cfg,
		runID:  fmt.Sprintf("%d-%d", started.UnixNano(), os.Getpid()),
		rec:    newRecorder(),
		counts: &tally{},
	}

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	deadline := started.Add(cfg.duration)
	for i := 0; cfg.admits(i, deadline); i++ {
		g.Go(func() error {
			_ = runner.run(i)
			return nil
		})
	}
	_ = g.Wait()

	result := runner.rec.summarize(started, time.Since(started))
	after, err := getLedger(client, cfg.sku)
	if err != nil {
		return result, fmt.Errorf("read stock after run: %w", err)
	}
	result.Stock = verify(before, after, runner.counts, cfg.quantity)
	return result, nil
}

type scenario struct {
	client *resty.Client
	cfg    config
	runID  string
	rec    *recorder
	counts *tally
}

// run проигрывает один сценарий и записывает его итог.
func (s *scenario) run(index int) error {
	started := time.Now()
	outcome, err := s.play(index)
	s.rec.finish(time.Since(started), outcome, err == nil)
	return err
}

// play резервирует товар, затем по режиму подтверждает или отменяет резерв.
// Отказ из-за нехватки остатка под конкуренцией ожидаем и ошибкой не считается.
func (s *scenario) play(index int) (string, error) {
	body := map[string]any{
		"product_id":  s.cfg.sku,
		"customer_id": fmt.Sprintf("%s-%s-%d", s.cfg.customerTag, s.runID, index),
		"quantity":    s.cfg.quantity,
		"reference":   fmt.Sprintf("lt-%s-%d", s.runID, index),
	}
	if s.cfg.ttl > 0 {
		body["ttl_seconds"] = int64(s.cfg.ttl / time.Second)
	}

	var created reservationBody
	status, failure, err := s.step("Reserve", "/v1/reservations", s.key("reserve", index), body, &created, http.StatusCreated)
	switch {
	case err != nil:
		return outcomeError, err
	case status == http.StatusConflict && failure.Code == domain.CodeInsufficientStock:
		s.counts.rejected.Add(1)
		return "rejected", nil
	case status != http.StatusCreated:
		return strconv.Itoa(status), fmt.Errorf("reserve: unexpected status %d: %s", status, failure.Error)
	case created.ID == "":
		return "empty_id", errors.New("reserve: empty reservation id")
	}
	s.counts.reserved.Add(1)

	path := "/v1/reservations/" + created.ID
	switch {
	case s.cfg.mode == modeReserveConfirm:
		status, failure, err = s.step("Confirm", path+"/confirm", s.key("confirm", index), nil, nil, http.StatusOK)
	case s.cfg.cancels(index):
		status, failure, err = s.step("Cancel", path+"/cancel", s.key("cancel", index),
			map[string]string{"reason": "load-cancel"}, nil, http.StatusOK)
		if err == nil && status == http.StatusOK {
			s.counts.released.Add(1)
		}
	default:
		return "ok", nil
	}
	if err != nil {
		return outcomeError, err
	}
	if status != http.StatusOK {
		return strconv.Itoa(status), fmt.Errorf("follow-up: unexpected status %d: %s", status, failure.Error)
	}
	return "ok", nil
}

func (s *scenario) key(op string, index int) string {
	if !s.cfg.idempotent {
		return ""
	}
	return fmt.Sprintf("lt-%s-%s-%d", op, s.runID, index)
}

// step отправляет POST и пишет замер под именем name; успех только при статусе want.
func (s *scenario) step(name, path, key string, body, result any, want int) (int, errorBody, error) {
	var failure errorBody
	req := s.client.R().SetError(&failure)
	if key != "" {
		req.SetHeader(httpapi.IdempotencyKeyHeader, key)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	started := time.Now()
	resp, err := req.Post(path)
	if err != nil {
		s.rec.observe(name, time.Since(started), outcomeError, false)
		return 0, failure, fmt.Errorf("POST %s: %w", path, err)
	}
	code := resp.StatusCode()
	s.rec.observe(name, time.Since(started), strconv.Itoa(code), code == want)
	return code, failure, nil
}

func setStock(client *resty.Client, sku string, total int64) (ledgerBody, error) {
	return ledgerCall(client.R().SetBody(map[string]int64{"total": total}), http.MethodPut, sku)
}

func getLedger(client *resty.Client, sku string) (ledgerBody, error) {
	return ledgerCall(client.R(), http.MethodGet, sku)
}

func ledgerCall(req *resty.Request, method, sku string) (ledgerBody, error) {
	var (
		ledger  ledgerBody
		failure errorBody
	)
	resp, err := req.SetResult(&ledger).SetError(&failure).Execute(method, "/v1/stock/"+sku)
	if err != nil {
		return ledgerBody{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return ledgerBody{}, fmt.Errorf("%s stock: status %d: %s", method, resp.StatusCode(), failure.Error)
	}
	return ledger, nil
}

// verification сравнивает учёт остатка до и после прогона.
type verification struct {
	Before           ledgerBody `json:"before"`
	After            ledgerBody `json:"after"`
	Reserved         int64      `json:"reserved"`
	Rejected         int64      `json:"rejected"`
	Released         int64      `json:"released"`
	ExpectedReserved int64      `json:"expected_reserved"`
	Passed           bool       `json:"passed"`
	Problem          string     `json:"problem,omitempty"`
}

// verify ловит перепродажу: сумма available и reserved не меняется,
// а reserved растёт ровно на удержанное успешными резервами.
// Резервы товара не должны истекать или меняться извне во время прогона.
func verify(before, after ledgerBody, counts *tally, quantity int64) *verification {
	v := &verification{
		Before:   before,
		After:    after,
		Reserved: counts.reserved.Load(),
		Rejected: counts.rejected.Load(),
		Released: counts.released.Load(),
	}
	v.ExpectedReserved = before.Reserved + (v.Reserved-v.Released)*quantity

	switch {
	case after.Available < 0 || after.Reserved < 0:
		v.Problem = fmt.Sprintf("negative counters: available=%d reserved=%d", after.Available, after.Reserved)
	case after.Available+after.Reserved != before.Available+before.Reserved:
		v.Problem = fmt.Sprintf("total changed: before=%d after=%d",
			before.Available+before.Reserved, after.Available+after.Reserved)
	case after.Reserved != v.ExpectedReserved:
		v.Problem = fmt.Sprintf("reserved=%d, expected %d", after.Reserved, v.ExpectedReserved)
	default:
		v.Passed = true
	}
	return v
}
