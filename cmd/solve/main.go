// Command solve runs one problem through the optimizer in-process.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/Pierre-Graber/optimizer-api/internal/config"
	"github.com/Pierre-Graber/optimizer-api/internal/jobs"
	"github.com/Pierre-Graber/optimizer-api/internal/matrix"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/opt"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
)

func main() {
	cfgPath := flag.String("config", "", "YAML configuration file")
	in := flag.String("in", "-", "problem JSON file, - for stdin")
	out := flag.String("out", "-", "result JSON file, - for stdout")
	verbose := flag.Bool("v", false, "log progress events")
	flag.Parse()

	if err := run(*cfgPath, *in, *out, *verbose); err != nil {
		log.Fatalf("solve: %v", err)
	}
}

func run(cfgPath, in, out string, verbose bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)

	p, err := readProblem(in)
	if err != nil {
		return err
	}
	mx, release, err := matrix.FromConfig(cfg.Router, cfg.Redis.URL, logger)
	if err != nil {
		return err
	}
	defer release()

	solver := &opt.Solver{
		Logger:          logger,
		DefaultBudget:   cfg.Solver.DefaultBudget,
		MaxIterations:   cfg.Solver.MaxIterations,
		StallIterations: cfg.Solver.StallIterations,
		Seed:            cfg.Solver.Seed,
	}
	pl := jobs.NewPipeline(solver, mx, cfg.Dicho, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rec := &progress.Recorder{}
	var obs progress.Observer = rec
	if verbose {
		obs = progress.Multi(rec, progress.LogObserver{Logger: logger, Tag: "[solve]"})
	}
	started := time.Now()
	res, err := pl.Solve(ctx, p, obs)
	if err != nil {
		return err
	}
	splits := 0
	for _, e := range rec.Events() {
		if e.Kind == progress.KindSplit {
			splits++
		}
	}
	logger.Printf("[solve] %s: cost %.1f, %d routes, %d unassigned, %d splits in %s",
		p.ID, res.Cost, len(res.Routes), len(res.Unassigned), splits, time.Since(started).Round(time.Millisecond))
	return writeResult(out, res)
}

func readProblem(path string) (*model.Problem, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var p model.Problem
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode problem: %w", err)
	}
	return &p, nil
}

func writeResult(path string, res *model.Result) error {
	w := io.Writer(os.Stdout)
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
