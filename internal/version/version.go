package version

import "fmt"

// Значения задаются при сборке:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/orderflow/internal/version.version=v1.2.0"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build: сведения о сборке бинаря.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// String форматирует сборку для логов и флага --version.
func (b Build) String() string {
	return fmt.Sprintf("orderflow version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// GetVersion возвращает только версию, она попадает в ответ /healthz.
func GetVersion() string { return version }
