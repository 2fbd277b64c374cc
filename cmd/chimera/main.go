package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/ArrEssJay/chimera-sub003/internal/config"
	"github.com/ArrEssJay/chimera-sub003/internal/server"
	"github.com/ArrEssJay/chimera-sub003/internal/sim"
)

var cli struct {
	Verbose bool   `help:"Prints debug output"`
	Config  string `help:"Path to an HCL config file" type:"path"`

	Run struct {
		Message string   `help:"Message to transmit"`
		SNR     string   `help:"Channel SNR in dB (\"inf\" disables noise)"`
		Loss    *float64 `help:"Link loss in dB"`
		Seed    *int64   `help:"Run seed"`
		Audio   bool     `help:"Include the passband audio in the report"`
		Format  string   `help:"Output format" enum:"json,yaml" default:"json"`
	} `cmd:"" help:"Runs one frame through the link and prints the report"`

	Sweep struct {
		Message string   `help:"Message to transmit"`
		From    *float64 `help:"First SNR in dB"`
		To      *float64 `help:"Last SNR in dB"`
		Step    *float64 `help:"SNR step in dB"`
		Trials  int      `help:"Trials per SNR point"`
		Workers int      `help:"Concurrent trials (0 uses every CPU)" default:"-1"`
		Seed    *int64   `help:"Base seed"`
		Format  string   `help:"Output format" enum:"table,json,yaml" default:"table"`
	} `cmd:"" help:"Runs an SNR sweep and prints BER curves"`

	Serve struct {
		Addr   string `help:"Listen address"`
		Static string `help:"Directory of static UI files" type:"path"`
	} `cmd:"" help:"Starts the HTTP and WebSocket API"`
}

func main() {
	flags := kong.Parse(&cli,
		kong.Name("chimera"),
		kong.Description("LDPC coded QPSK link simulator"),
	)
	if cli.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	path := cli.Config
	if path == "" {
		path = config.FindConfig()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Could not load config: %v", err)
	}

	switch flags.Command() {
	case "run":
		err = runOnce(cfg.Simulation)
	case "sweep":
		err = runSweep(cfg)
	case "serve":
		if cli.Serve.Addr != "" {
			cfg.Server.Addr = cli.Serve.Addr
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = server.NewServer(cfg, cli.Serve.Static).Run(ctx)
	default:
		log.Info("Command not recognized")
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runOnce(cfg config.Simulation) error {
	if cli.Run.Message != "" {
		cfg.Message = cli.Run.Message
	}
	if cli.Run.SNR != "" {
		snr, err := strconv.ParseFloat(cli.Run.SNR, 64)
		if err != nil {
			return fmt.Errorf("--snr: %w", err)
		}
		cfg.SNRdB = snr
	}
	if cli.Run.Loss != nil {
		cfg.LinkLossDB = *cli.Run.Loss
	}
	if cli.Run.Seed != nil {
		cfg.Seed = cli.Run.Seed
	}
	cfg.IncludeAudio = cfg.IncludeAudio || cli.Run.Audio

	rep, err := sim.Run(cfg)
	if err != nil {
		return err
	}
	if err := write(os.Stdout, cli.Run.Format, rep); err != nil {
		return err
	}
	if rep.Error != "" {
		return fmt.Errorf("run %s: %s", rep.RunID, rep.Error)
	}
	return nil
}

func runSweep(cfg config.Config) error {
	sc := cfg.Simulation
	if cli.Sweep.Message != "" {
		sc.Message = cli.Sweep.Message
	}
	if cli.Sweep.Seed != nil {
		sc.Seed = cli.Sweep.Seed
	}
	sw := cfg.Sweep
	if cli.Sweep.From != nil {
		sw.FromDB = *cli.Sweep.From
	}
	if cli.Sweep.To != nil {
		sw.ToDB = *cli.Sweep.To
	}
	if cli.Sweep.Step != nil {
		sw.StepDB = *cli.Sweep.Step
	}
	if cli.Sweep.Trials > 0 {
		sw.Trials = cli.Sweep.Trials
	}
	if cli.Sweep.Workers >= 0 {
		sw.Workers = cli.Sweep.Workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := sim.Sweep(ctx, sc, sim.SweepParams{
		Sweep: sw,
		OnTrial: func(point, done, total int) {
			log.Debugf("[sweep] point %d: %d/%d trials", point, done, total)
		},
	})
	if err != nil {
		return err
	}
	if cli.Sweep.Format == "table" {
		return writeTable(os.Stdout, res)
	}
	return write(os.Stdout, cli.Sweep.Format, res)
}

func write(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, res *sim.SweepResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "SNR dB\tpre-FEC BER\tpost-FEC BER\tFER\tsync miss\tundetected\titer\t")
	for _, p := range res.Points {
		fmt.Fprintf(tw, "%.2f\t%.3e\t%.3e\t%.3f\t%d\t%d\t%.1f\t\n",
			p.SNRdB, p.PreFEC.Mean, p.PostFEC.Mean, p.FrameErrorRate, p.SyncMisses, p.UndetectedErrors, p.MeanIterations)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "sweep %s, base seed %d, %.1fs\n", res.SweepID, res.BaseSeed, res.Duration)
	return err
}
