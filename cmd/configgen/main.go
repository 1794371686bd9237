package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/scopectl/internal/config"
	"github.com/danmuck/scopectl/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "scopectl", "config kind: scopectl|plan")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	observability.InitLogger("configgen")

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}

		if err := validateConfig(*kind, path); err != nil {
			log.Fatal().Err(err).Msg("configgen failed")
		}
		log.Info().Msgf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen failed")
	}
	log.Info().Msgf("Wrote %s config template to %s", *kind, target)
}

// validateConfig runs the same typed loader the binary for kind uses.
func validateConfig(kind, path string) error {
	switch kind {
	case "scopectl":
		_, err := config.LoadScopectlConfig(path)
		return err
	case "plan":
		_, err := config.LoadPlan(path)
		return err
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}

func defaultPath(kind string) string {
	switch kind {
	case "scopectl":
		return "cmd/scopectl/config.toml"
	case "plan":
		return "cmd/scopectl/plan.toml"
	default:
		log.Fatal().Msgf("unknown kind: %s", kind)
		return ""
	}
}
