// Command reconstruct computes reference trajectories for a set of
// targets. Input is a JSON array of targets with their measurements;
// the run is written as JSON and can also be stored in SQLite and
// rendered as a track plot and an HTML speed report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/trajectory/internal/config"
	"github.com/banshee-data/trajectory/internal/fsutil"
	"github.com/banshee-data/trajectory/internal/monitoring"
	"github.com/banshee-data/trajectory/internal/reference"
	"github.com/banshee-data/trajectory/internal/report"
	"github.com/banshee-data/trajectory/internal/store"
	"github.com/banshee-data/trajectory/internal/units"
	"github.com/banshee-data/trajectory/internal/version"
)

type options struct {
	configPath string
	input      string
	output     string
	dbPath     string
	plotPath   string
	htmlPath   string
	units      string
	timezone   string
	workers    int
	verbosity  int
	speedTip   bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("reconstruct", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to a reconstruction config JSON file (defaults apply when empty)")
	fs.StringVar(&o.input, "input", "", "Path to the input targets JSON file")
	fs.StringVar(&o.output, "output", "-", "Path for the references JSON output, - for stdout")
	fs.StringVar(&o.dbPath, "db", "", "Optional SQLite database to store the run in")
	fs.StringVar(&o.plotPath, "plot", "", "Optional track plot (.png, .svg or .pdf)")
	fs.StringVar(&o.htmlPath, "html", "", "Optional HTML speed report")
	fs.StringVar(&o.units, "units", units.MPS, "Speed units for the HTML report: "+units.GetValidUnitsString())
	fs.StringVar(&o.timezone, "tz", "UTC", "Timezone for times shown in the HTML report")
	fs.IntVar(&o.workers, "workers", 0, "Targets processed in parallel (0 uses the config, then GOMAXPROCS)")
	fs.IntVar(&o.verbosity, "v", -1, "Debug verbosity (overrides the config when >= 0)")
	fs.BoolVar(&o.speedTip, "speed-tip", false, "Add the one second speed vector tip to every reference")
	fs.BoolVar(&o.version, "version", false, "Print version information and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if o.version {
		return o, nil
	}
	if o.input == "" {
		return nil, errors.New("-input is required")
	}
	if err := units.Validate(o.units); err != nil {
		return nil, err
	}
	if !units.IsTimezoneValid(o.timezone) {
		return nil, fmt.Errorf("invalid timezone %q", o.timezone)
	}
	if o.workers < 0 {
		return nil, fmt.Errorf("-workers must be >= 0, got %d", o.workers)
	}
	return o, nil
}

func loadConfig(fsys fsutil.FileSystem, path string) (*config.ReconstructionConfig, error) {
	if path == "" {
		return config.EmptyConfig(), nil
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return config.ParseConfig(data)
}

func readTargets(fsys fsutil.FileSystem, path string) ([]reference.Target, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var targets []reference.Target
	if err := json.NewDecoder(f).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode input %s: %w", path, err)
	}
	return targets, nil
}

func writeRun(fsys fsutil.FileSystem, path string, stdout io.Writer, run *reference.Run) error {
	if path == "-" {
		return encodeRun(stdout, run)
	}
	f, err := fsutil.CreateAll(fsys, path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encodeRun(f, run); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeRun(w io.Writer, run *reference.Run) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func run(ctx context.Context, args []string, fsys fsutil.FileSystem, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.version {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	cfg, err := loadConfig(fsys, o.configPath)
	if err != nil {
		return err
	}
	verbosity := cfg.GetVerbosity()
	if o.verbosity >= 0 {
		verbosity = o.verbosity
	}
	monitoring.SetVerbosity(verbosity)

	settings := reference.SettingsFromConfig(cfg)
	settings.SpeedTip = o.speedTip
	if o.workers > 0 {
		settings.Workers = o.workers
	}

	targets, err := readTargets(fsys, o.input)
	if err != nil {
		return err
	}
	monitoring.Logf("read %d target(s) from %s", len(targets), o.input)

	runResult, err := reference.NewCalculator(settings, nil).ComputeAll(ctx, targets)
	if err != nil {
		return err
	}
	if err := writeRun(fsys, o.output, stdout, runResult); err != nil {
		return err
	}

	if o.dbPath != "" {
		st, err := store.Open(o.dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()
		if err := st.SaveRun(ctx, runResult); err != nil {
			return err
		}
		monitoring.Logf("stored run %s in %s", runResult.ID, o.dbPath)
	}

	if o.plotPath == "" && o.htmlPath == "" {
		return nil
	}
	series, _, err := report.BuildSeries(targets, runResult)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	if o.plotPath != "" {
		if err := report.WritePlot(fsys, o.plotPath, series); err != nil {
			return err
		}
		monitoring.Logf("wrote track plot %s", o.plotPath)
	}
	if o.htmlPath != "" {
		err := report.WriteSpeedChart(fsys, o.htmlPath, series, runResult, report.ChartOptions{Units: o.units, Timezone: o.timezone})
		if err != nil {
			return err
		}
		monitoring.Logf("wrote speed report %s", o.htmlPath)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], fsutil.OSFileSystem{}, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("reconstruct: %v", err)
	}
}
