// Package metrics: prometheus-метрики резервов и саг.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// register добавляет c в registerer. Если такой коллектор уже зарегистрирован, возвращается он:
// приложение в тестах собирается несколько раз поверх одного registerer.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	err := registerer.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(fmt.Sprintf("register metric: %v", err))
}
