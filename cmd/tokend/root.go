package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tokenlease/tokend/internal"
	"github.com/tokenlease/tokend/internal/config"
	"github.com/tokenlease/tokend/pkg/logger"
	"github.com/tokenlease/tokend/version"
)

var rootCmd = &cobra.Command{
	Use:   "tokend",
	Short: "tokend runs the token pool service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRoot(); err != nil {
			log.Error(fmt.Sprintf("%+v", err))
			os.Exit(1)
		}
	},
}

func runRoot() error {
	cfg, err := initializeConfig()
	if err != nil {
		return err
	}

	printableConfig, err := cfg.Printable()
	if err != nil {
		return err
	}
	log.Infof("tokend configuration:\n%s", printableConfig)

	m := internal.New(version.Version, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return m.Run(ctx)
}

// initializeConfig returns the validated configuration populated from the
// config file, environment variables and command line flags, and sets global
// logging state based on those options.
func initializeConfig() (*config.Config, error) {
	if path := v.GetString("config_file"); path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %q", path)
		}
		if err = mergeConfigBytesIntoViper(bs); err != nil {
			return nil, err
		}
	}

	cfg := config.DefaultConfig()
	bs, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "marshaling settings")
	}
	if err = json.Unmarshal(bs, cfg); err != nil {
		return nil, errors.Wrap(err, "applying settings")
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLogrus(cfg.Log)
	return cfg, nil
}

func mergeConfigBytesIntoViper(bs []byte) error {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return errors.Wrap(err, "unmarshaling yaml configuration file")
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return errors.Wrap(err, "merging configuration file")
	}
	return nil
}
