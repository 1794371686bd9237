package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/scopectl/internal/driver"
	"github.com/danmuck/scopectl/internal/observability"
)

func main() {
	configPath := flag.String("config", "cmd/scopectl/config.toml", "scopectl runtime config (TOML)")
	flag.Parse()

	observability.InitLogger("scopectl")

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scopectl: %v\n", err)
		os.Exit(1)
	}

	svc := driver.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "scopectl: %v\n", err)
		os.Exit(1)
	}
}
