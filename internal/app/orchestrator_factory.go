package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/collaborator"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
)

// buildCollaborators создаёт HTTP-клиенты внешних сервисов. Сервис без адреса заменяется моком.
func buildCollaborators(cfg CollaboratorsConfig, inventory saga.Inventory, logger *log.Entry) saga.Collaborators {
	c := saga.Collaborators{Inventory: inventory}
	var mocked []string

	if cfg.PaymentURL != "" {
		c.Payments = collaborator.NewPaymentClient(cfg.PaymentURL, cfg.Timeout, logger)
	} else {
		c.Payments = collaborator.NewMockPayment()
		mocked = append(mocked, "payment")
	}
	if cfg.OrderURL != "" {
		c.Orders = collaborator.NewOrderClient(cfg.OrderURL, cfg.Timeout, logger)
	} else {
		c.Orders = collaborator.NewMockOrders()
		mocked = append(mocked, "order")
	}
	if cfg.LoyaltyURL != "" {
		c.Loyalty = collaborator.NewLoyaltyClient(cfg.LoyaltyURL, cfg.Timeout, logger)
	} else {
		c.Loyalty = collaborator.NewMockLoyalty()
		mocked = append(mocked, "loyalty")
	}
	if cfg.CatalogURL != "" {
		c.Catalog = collaborator.NewCatalogClient(cfg.CatalogURL, cfg.Timeout, logger)
	} else {
		c.Catalog = collaborator.NewMockCatalog()
		mocked = append(mocked, "catalog")
	}
	if cfg.DiscountURL != "" {
		c.Discounts = collaborator.NewDiscountClient(cfg.DiscountURL, cfg.Timeout, logger)
	} else {
		c.Discounts = collaborator.NewMockDiscount()
		mocked = append(mocked, "discount")
	}

	if len(mocked) > 0 {
		logger.WithField("mocked", mocked).Warn("collaborators without url use in-process mocks")
	}
	return c
}

// sagaConfig переводит настройки в параметры оркестратора.
func sagaConfig(cfg SagaConfig) saga.Config {
	return saga.Config{
		StepTimeout: cfg.StepTimeout,
		Retry: saga.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	}
}

// createOrchestrator собирает оркестратор поверх выбранных хранилищ.
func createOrchestrator(
	deps *runtimeDependencies,
	collaborators saga.Collaborators,
	cfg SagaConfig,
	sagaMetrics *metrics.SagaMetrics,
	logger *log.Entry,
) *saga.Orchestrator {
	return saga.NewOrchestrator(
		deps.sagas,
		deps.timeline,
		deps.outbox,
		collaborators,
		saga.WithConfig(sagaConfig(cfg)),
		saga.WithMetrics(sagaMetrics),
		saga.WithLogger(logger.WithField("component", "saga")),
	)
}
