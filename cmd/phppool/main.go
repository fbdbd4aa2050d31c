package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wdshin/php-app/internal/info"
	"github.com/wdshin/php-app/pkg/config"
	"github.com/wdshin/php-app/pkg/php"
	"github.com/wdshin/php-app/pkg/pool"
	"github.com/wdshin/php-app/pkg/supervisor"
	"github.com/wdshin/php-app/pkg/worker"
)

var (
	cfgPath string
	timeout time.Duration
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "phppool",
		Short: "Pooled PHP snippet evaluator",
		PersistentPreRun: func(*cobra.Command, []string) {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML configuration")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	evalCmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Evaluate one PHP fragment on a pool worker",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	evalCmd.Flags().DurationVar(&timeout, "timeout", 0, "evaluation timeout, 0 means unbounded")
	root.AddCommand(evalCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(info.GetVersion())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEval(_ *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx := context.Background()
	sup := supervisor.New(supervisor.Config{
		Workers: cfg.Workers,
		Worker: worker.Config{
			PHPPath:        cfg.PHPPath,
			Args:           cfg.PHPArgs,
			Env:            cfg.PHPEnv,
			InitCode:       cfg.InitCode,
			RequireTimeout: cfg.RequireTimeout(),
		},
	})
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	mgr := pool.New(sup, pool.Config{DefaultMaxMemKB: cfg.DefaultMaxMemKB})
	defer mgr.Close()

	res, err := php.NewClient(mgr).Eval(ctx, args[0], php.WithTimeout(timeout))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
