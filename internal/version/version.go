// Package version хранит данные сборки, прошитые через ldflags.
package version

import (
	"fmt"
	"runtime"
)

// -ldflags "-X github.com/vladislavdragonenkov/checkout/internal/version.version=v1.2.0 ..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build: сведения о собранном бинарнике.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
}

// Dev: бинарник собран без ldflags.
func (b Build) Dev() bool { return b.Version == "dev" }

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", b.Version, b.Commit, b.Date, b.GoVersion)
}

// String: однострочное описание текущей сборки для --version.
func String() string { return Current().String() }

// UserAgent: значение User-Agent для исходящих запросов сервиса.
func UserAgent(service string) string {
	b := Current()
	return fmt.Sprintf("%s/%s (%s)", service, b.Version, b.Commit)
}
