package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
	"github.com/GPTx-global/oracle-dispatcher/oracle/daemon"
	"github.com/GPTx-global/oracle-dispatcher/oracle/log"
	"github.com/GPTx-global/oracle-dispatcher/oracle/metrics"
	"github.com/GPTx-global/oracle-dispatcher/oracle/server"
	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

const flagHome = "home"

// NewRootCmd returns the oracled command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "oracled",
		Short:         "Oracle update dispatcher",
		Long:          "Fetches data for registered oracle contracts on a per-cadence schedule and publishes it on chain.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(flagHome, config.DefaultHome(), "directory holding config.toml and logs")

	rootCmd.AddCommand(
		StartCmd(),
		TriggerCmd(),
		ScanCmd(),
		ConfigCmd(),
	)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}

	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", cfg.Log.Level)
	}
	if cfg.Log.ToFile {
		log.ResetLogger(cfg.Home)
	}

	return cfg, nil
}

func StartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatcher and its http api until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Print()

			if err := metrics.Init("oracled"); err != nil {
				return errors.Wrap(err, "failed to init metrics")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return errors.Wrap(err, "failed to create daemon")
			}
			if err := d.Start(ctx); err != nil {
				return errors.Wrap(err, "failed to start daemon")
			}

			failed := make(chan error, 1)
			go func() { failed <- d.Wait() }()

			select {
			case <-ctx.Done():
				log.Infof("shutdown signal received")
			case err = <-failed:
				log.Errorf("daemon exited: %v", err)
			}

			d.Stop()
			return err
		},
	}
}

func TriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [oracle-address]",
		Short: "Run one update for an oracle and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return errors.Wrap(err, "failed to create daemon")
			}
			d.StartWorkers()
			defer d.Stop()

			res := d.Trigger(ctx, args[0])
			out, err := triggerJSON(res)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)

			if res.Err != nil {
				return errors.Errorf("update failed: %s", types.ErrorCode(res.Err))
			}
			return nil
		},
	}
}

func ScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Load the oracle registry once and print the cadence classification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			d, err := daemon.New(cmd.Context(), cfg)
			if err != nil {
				return errors.Wrap(err, "failed to create daemon")
			}
			if err := d.Refresh(cmd.Context()); err != nil {
				return errors.Wrap(err, "failed to load registry")
			}

			out, err := classificationJSON(d.Classification())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func ConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Write the default config if missing and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Print()
			return nil
		},
	}
}

type field struct {
	path  string
	value any
}

func triggerJSON(res types.JobResult) (string, error) {
	job := server.NewJobStatus(res.Job)
	fields := []field{
		{"success", res.Success()},
		{"oracleAddress", job.OracleAddress},
		{"state", job.State},
		{"attempts", job.Attempt},
		{"apiUrl", res.APIURL},
	}
	if res.Receipt != nil {
		fields = append(fields, []field{
			{"data", res.Receipt.Payload},
			{"transactionHash", res.Receipt.TxHash},
			{"nonce", res.Receipt.Nonce},
			{"blockNumber", res.Receipt.BlockNumber},
		}...)
	}
	if res.Err != nil {
		fields = append(fields, []field{
			{"error.code", types.ErrorCode(res.Err)},
			{"error.message", res.Err.Error()},
		}...)
	}

	out := `{}`
	for _, f := range fields {
		var err error
		if out, err = sjson.Set(out, f.path, f.value); err != nil {
			return "", errors.Wrapf(err, "encode %s", f.path)
		}
	}
	return out, nil
}

func classificationJSON(classes map[string][]string) (string, error) {
	out := `{}`
	for name, oracles := range classes {
		if oracles == nil {
			oracles = []string{}
		}
		var err error
		if out, err = sjson.Set(out, "classes."+name, oracles); err != nil {
			return "", err
		}
	}
	return out, nil
}
