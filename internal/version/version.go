// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/kitchen/internal/version.version=v1.2.0"
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — сведения о сборке бинарника.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// Short — версия для /health. Dev-сборка с известным commit получает его короткий префикс.
func (b Build) Short() string {
	if b.Version != "dev" || b.Commit == "" || b.Commit == "unknown" {
		return b.Version
	}
	c := b.Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return b.Version + "+" + c
}

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}
