package main

import (
	"fmt"

	"github.com/danmuck/scopectl/internal/config"
	"github.com/danmuck/scopectl/internal/driver"
)

func loadServiceConfig(path string) (driver.ServiceConfig, error) {
	rt, err := config.LoadScopectlConfig(path)
	if err != nil {
		return driver.ServiceConfig{}, fmt.Errorf("load scopectl config: %w", err)
	}
	return driver.NewServiceConfig(rt), nil
}
