// Package main runs a whole consortium inside one process: a coordinator
// and one participant per declared client, talking over real websockets on
// the loopback interface. It is the quickest way to try a pipeline spec.
//
// A declaration looks like:
//
//	run_id: demo            # optional, generated when empty
//	operating_directory: .  # optional, a temporary directory when empty
//	clients: [site-a, site-b]
//	pipeline:
//	  steps:
//	    - computation: mean
//	      iterations: 2
//	      inputs:
//	        site-a: [1, 2, 3]
//	        site-b: [10]
//
// Example usage:
//
//	./simulator -f demo.yaml
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/logging"
	"github.com/dreamware/consortium/internal/manager"
	"github.com/dreamware/consortium/internal/pipeline"
)

// Declaration describes one simulated run.
type Declaration struct {
	RunID              string        `yaml:"run_id"`
	OperatingDirectory string        `yaml:"operating_directory"`
	Clients            []string      `yaml:"clients"`
	Pipeline           pipeline.Spec `yaml:"pipeline"`
}

var errNoClients = errors.New("declaration names no clients")

// ParseDeclaration decodes a YAML declaration. When clients are omitted they
// are taken from the step inputs.
func ParseDeclaration(data []byte) (Declaration, error) {
	var d Declaration
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse declaration: %w", err)
	}
	if err := d.Pipeline.Validate(); err != nil {
		return d, err
	}
	if len(d.Clients) == 0 {
		for _, step := range d.Pipeline.Steps {
			for id := range step.Inputs {
				if !slices.Contains(d.Clients, id) {
					d.Clients = append(d.Clients, id)
				}
			}
		}
		slices.Sort(d.Clients)
	}
	if len(d.Clients) == 0 {
		return d, errNoClients
	}
	return d, nil
}

func main() {
	file := flag.String("f", "simulator.yaml", "declaration file")
	timeout := flag.Duration("timeout", time.Minute, "give up after this long")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger, err := logging.New(*level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	data, err := os.ReadFile(*file)
	if err != nil {
		logger.Fatal("reading declaration", zap.Error(err))
	}
	decl, err := ParseDeclaration(data)
	if err != nil {
		logger.Fatal("invalid declaration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := simulate(ctx, decl, logger, os.Stdout); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
}

// simulate runs decl to completion and writes the coordinator's result to out.
func simulate(ctx context.Context, decl Declaration, logger *zap.Logger, out io.Writer) error {
	root := decl.OperatingDirectory
	if root == "" {
		dir, err := os.MkdirTemp("", "consortium-sim-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		root = dir
	}
	runID := decl.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	cfg := config.Default()
	cfg.Mode = pipeline.ModeRemote
	cfg.RemotePort = 0
	cfg.OperatingDirectory = root
	coord, err := manager.New(cfg, manager.WithLogger(logger.Named("coordinator")))
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	_, portStr, err := net.SplitHostPort(coord.Addr())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	participants := make([]*manager.Manager, 0, len(decl.Clients))
	defer func() {
		for _, p := range participants {
			_ = p.Close()
		}
	}()
	for _, id := range decl.Clients {
		pcfg := config.Default()
		pcfg.Mode = pipeline.ModeLocal
		pcfg.ClientID = id
		pcfg.RemoteURL = "127.0.0.1"
		pcfg.RemotePort = port
		pcfg.OperatingDirectory = root
		p, err := manager.New(pcfg, manager.WithLogger(logger.Named(id)))
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return err
		}
		participants = append(participants, p)
		if err := p.WaitReady(ctx); err != nil {
			return fmt.Errorf("%s never registered: %w", id, err)
		}
	}

	req := manager.StartRequest{RunID: runID, Clients: decl.Clients, Spec: decl.Pipeline}
	hub, err := coord.StartPipeline(ctx, req)
	if err != nil {
		return err
	}
	handles := []*manager.Handle{hub}
	for _, p := range participants {
		h, err := p.StartPipeline(ctx, req)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			_, err := h.Result.Wait(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	result, err := hub.Result.Wait(ctx)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s finished\n%s\n", runID, pretty.String())
	return nil
}
