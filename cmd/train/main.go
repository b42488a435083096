package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	gan "github.com/LdDl/gan-mnist"
	"github.com/LdDl/gan-mnist/config"
	"github.com/LdDl/gan-mnist/mnist"
	"github.com/LdDl/gan-mnist/trainer"
)

var (
	configFile = flag.String("config", "", "Path to YAML configuration file")
)

func init() {
	flag.StringVar(configFile, "c", "", "Path to YAML configuration file (shorthand)")
}

func main() {
	flag.Parse()
	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Flag '-config' is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configFile); err != nil {
		log.Fatalln(err)
	}
}

func run(fname string) error {
	cfg, err := config.Load(fname)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := trainer.NewLogger(cfg.LogDir, cfg.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := logger.Close(); err != nil {
			log.Printf("Can't close logger: %v\n", err)
		}
	}()
	log.Printf("Run %s, logging to '%s'\n", logger.RunID, logger.Dir)
	if err := logger.LogHyperparams(cfg); err != nil {
		return err
	}

	model, err := gan.NewGAN(gan.Options{
		LatentDim:    cfg.LatentDim,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.Beta1,
		Beta2:        cfg.Beta2,
		Dropout:      cfg.Dropout,
		Loss:         cfg.AdversarialLoss,
		NumPreview:   cfg.NumPreview,
		Seed:         cfg.Seed,
		SamplesDir:   logger.SamplesDir(),
	})
	if err != nil {
		return err
	}
	defer model.Close()

	dm := mnist.NewDataModule(cfg)
	t := trainer.New(cfg, logger)
	if err := t.Fit(ctx, model, dm); err != nil {
		return err
	}
	_, err = t.Test(ctx, model, dm)
	return err
}
