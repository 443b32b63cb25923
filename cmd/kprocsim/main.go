// Command kprocsim drives a simulated workload of processes, threads and
// handles through the kproc process object and inspects the snapshots it
// writes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/kproc"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "kprocsim",
	Short:         "Simulate and inspect kproc processes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated workload",
	Long: `Run creates worker processes with threads and event handles, moves
handles between neighbouring workers, then kills some workers and lets the
rest exit. The process list is printed before and after teardown.

If metrics.addr is set, /metrics keeps being served after the run until the
command is interrupted.`,
	Args: cobra.NoArgs,
	RunE: runSimulation,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot>",
	Short: "Render a snapshot written by run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		snaps, err := kproc.ReadSnapshot(f)
		if err != nil {
			return err
		}
		kproc.RenderSnapshot(cmd.OutOrStdout(), snaps)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kprocsim %s %s %s/%s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(runCmd, inspectCmd, versionCmd)
}

func newLogger(level string) (log15.Logger, error) {
	lvl, err := log15.LvlFromString(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return l, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	l, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := kproc.NewRegistry(kproc.WithLogger(l))

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(kproc.NewCollector(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Error("metrics server failed", "err", err)
			}
		}()
		l.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	sum, err := simulate(ctx, l, cfg, reg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	l.Info("simulation complete",
		"processes", sum.Processes,
		"killed", sum.Killed,
		"exited", sum.Exited,
		"transferred", sum.Transferred,
		"snapshotted", sum.Snapshotted)

	if srv != nil {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
