package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ratorx/continuity/internal/collector"
	"github.com/ratorx/continuity/internal/docker"
	"github.com/ratorx/continuity/internal/metrics"
	"github.com/ratorx/continuity/internal/model"
	"github.com/ratorx/continuity/internal/orchestrator"
	"github.com/ratorx/continuity/internal/scenario"
	"github.com/ratorx/continuity/internal/shaper"
)

const usage = `bench - reproducible transfer benchmarks for swarm topologies

Usage:
  bench validate --scenario <path>
  bench run --scenario <path> [--runs 1] [--out <csv>] [--keep] [--verbose]
  bench shape --device <dev> --rate <Nmbit> --burst <Nkb> --latency <Nms> [--container <name>]
  bench shape --device <dev> --clear [--container <name>]
  bench measure --node <name> [--scenario-name <name>] -- <command...>
  bench stats --path <csv> [--window 24h]
`

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "validate":
		handleValidate(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "shape":
		handleShape(os.Args[2:])
	case "measure":
		handleMeasure(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	scenarioPath := fs.String("scenario", "", "path to scenario YAML")
	_ = fs.Parse(args)

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(os.Stdout, "scenario %s: %d nodes on network %q\n", sc.Name, len(sc.Nodes), sc.Network.Name)
	fmt.Fprintf(os.Stdout, "launch order: %s\n", strings.Join(sc.Graph().Order(), ", "))
	for _, name := range sc.Graph().Order() {
		n := sc.Nodes[name]
		line := fmt.Sprintf("  %-12s %-8s %s", name, n.Role, n.Image)
		if deps := sc.Graph().Dependencies(name); len(deps) > 0 {
			line += " (after " + strings.Join(deps, ", ") + ")"
		}
		if !n.NetProfile.Zero() {
			line += fmt.Sprintf(" [%s/%s]", shaper.FormatRate(n.NetProfile.RateBits), n.NetProfile.Latency)
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	scenarioPath := fs.String("scenario", "", "path to scenario YAML")
	runs := fs.Int("runs", 1, "number of repetitions")
	out := fs.String("out", "", "metrics CSV path override")
	keep := fs.Bool("keep", false, "keep containers and network after the run")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(args)

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *runs < 1 {
		fatal(errors.New("--runs must be at least 1"))
	}

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		fatal(err)
	}

	metricsPath := *out
	if metricsPath == "" {
		metricsPath = sc.Defaults.MetricsPath
	}

	ctx, cancel := signalContext()
	defer cancel()

	o := orchestrator.New(nil, nil)
	o.Keep = *keep

	var failures int
	for i := 1; i <= *runs; i++ {
		log.WithFields(log.Fields{"scenario": sc.Name, "run": i, "of": *runs}).Info("starting run")

		res, err := o.Run(ctx, sc)
		if err != nil {
			fatal(err)
		}
		if metricsPath != "" {
			if err := metrics.AppendCSV(metricsPath, res.Measurements); err != nil {
				fmt.Fprintf(os.Stderr, "append metrics failed: %v\n", err)
			}
		}

		for _, m := range res.Measurements {
			if m.Status == model.StatusOK {
				fmt.Fprintf(os.Stdout, "run %d %s: ttfb=%.3fs total=%.3fs\n", i, m.Node, m.TTFB, m.Total)
			} else {
				failures++
				fmt.Fprintf(os.Stdout, "run %d %s: failed (%s)\n", i, m.Node, m.Reason)
			}
		}

		if ctx.Err() != nil {
			fatal(ctx.Err())
		}
	}

	if failures > 0 {
		fatal(fmt.Errorf("%d transfer(s) failed", failures))
	}
}

func handleShape(args []string) {
	fs := flag.NewFlagSet("shape", flag.ExitOnError)
	device := fs.String("device", scenario.DefaultDevice, "network device")
	container := fs.String("container", "", "apply inside a running container")
	rate := fs.String("rate", "", "token bucket rate, e.g. 40mbit")
	burst := fs.String("burst", "", "token bucket burst, e.g. 128kb")
	latency := fs.String("latency", "", "queue latency bound, e.g. 400ms")
	clear := fs.Bool("clear", false, "remove the root qdisc instead")
	_ = fs.Parse(args)

	var sh *shaper.Shaper
	if *container != "" {
		sh = shaper.New(docker.NewManager(nil).ExecRunner(*container))
	} else {
		sh = shaper.New(nil)
	}

	if *clear {
		fatal(sh.Clear(*device))
		return
	}

	p, err := shaper.ParseProfile(*rate, *burst, *latency)
	if err != nil {
		fatal(err)
	}
	if err := sh.Apply(*device, p); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "shaped %s: rate=%s burst=%d latency=%s\n",
		*device, shaper.FormatRate(p.RateBits), p.BurstBytes, p.Latency)
}

func handleMeasure(args []string) {
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	node := fs.String("node", "peer", "node name recorded with the measurement")
	scenarioName := fs.String("scenario-name", "", "scenario name recorded with the measurement")
	out := fs.String("out", "", "append the measurement to this CSV")
	_ = fs.Parse(args)

	argv := fs.Args()
	if len(argv) == 0 {
		fatal(errors.New("workload command required after flags"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := collector.Command(ctx, *node, argv[0], argv[1:]...)
	m.Scenario = *scenarioName
	m.Role = model.RolePeer

	if *out != "" {
		if err := metrics.AppendCSV(*out, []model.Measurement{m}); err != nil {
			fatal(err)
		}
	}

	fmt.Fprint(os.Stdout, collector.Format(m))
	if m.Status != model.StatusOK {
		fatal(errors.New(m.Reason))
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	path := fs.String("path", "", "metrics CSV path")
	window := fs.Duration("window", 24*time.Hour, "time window")
	_ = fs.Parse(args)

	if *path == "" {
		fatal(errors.New("--path is required"))
	}

	items, err := metrics.ReadCSV(*path)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 && summary.Failed == 0 {
		fmt.Fprintln(os.Stdout, "no measurements in window")
		return
	}

	fmt.Fprintf(os.Stdout, "transfers=%d failed=%d from=%s to=%s\n",
		summary.Count, summary.Failed, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	if summary.Count > 0 {
		fmt.Fprintf(os.Stdout, "ttfb avg=%.3fs\n", summary.AvgTTFB)
		fmt.Fprintf(os.Stdout, "total avg=%.3fs p95=%.3fs min=%.3fs max=%.3fs\n",
			summary.AvgTotal, summary.P95Total, summary.MinTotal, summary.MaxTotal)
	}
}

func loadScenario(path string) (*scenario.Scenario, error) {
	if path == "" {
		return nil, errors.New("--scenario is required")
	}
	return scenario.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
