package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/stackpipe/internal/core/crypto"
	"github.com/artpar/stackpipe/internal/core/graph"
	"github.com/artpar/stackpipe/internal/core/pipeline"
	"github.com/artpar/stackpipe/internal/core/stack"
	"github.com/artpar/stackpipe/internal/shell/secrets"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// cli holds state shared by every command.
type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	stdin      io.Reader

	config *Config
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, stdin: os.Stdin}

	root := &cobra.Command{
		Use:           "stackpipe",
		Short:         "Provision a container stack and run its delivery pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file")

	root.AddCommand(
		c.versionCommand(),
		c.planCommand(),
		c.provisionCommand(),
		c.teardownCommand(),
		c.outputsCommand(),
		c.runCommand(),
		c.runsCommand(),
		c.serveCommand(),
		c.importComposeCommand(),
		c.secretCommand(),
		c.deployKeyCommand(),
	)
	return root
}

// load reads the configuration and sets up the logger once.
func (c *cli) load() error {
	if c.config != nil {
		return nil
	}
	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		return &ExitError{Op: "load config", Err: err, Code: ExitConfigError}
	}
	c.config = cfg
	c.logger = SetupLogger(cfg, c.stderr)
	return nil
}

// withApp runs fn with a fresh app that is closed afterwards.
func (c *cli) withApp(fn func(*App) error) error {
	if err := c.load(); err != nil {
		return err
	}
	app, err := NewApp(c.config, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			c.logger.Error("close error", "error", err)
		}
	}()
	return fn(app)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// Stack Commands
// =============================================================================

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(c.stdout, "stackpipe %s (built %s)\n", Version, BuildTime)
			return nil
		},
	}
}

func (c *cli) planCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the order in which the stack's resources are materialized",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				st, err := app.Stack()
				if err != nil {
					return err
				}
				layers, err := graph.Layers(st.Resources)
				if err != nil {
					return &ExitError{Op: "plan", Err: err, Code: ExitPlanError}
				}
				kinds := make(map[string]string, len(st.Resources))
				for _, d := range st.Resources {
					kinds[d.ID] = string(d.Kind)
				}
				for i, layer := range layers {
					fmt.Fprintf(c.stdout, "layer %d:\n", i+1)
					for _, id := range layer {
						fmt.Fprintf(c.stdout, "  %s (%s)\n", id, kinds[id])
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) provisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Materialize every resource of the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return c.withApp(func(app *App) error {
				st, err := app.Stack()
				if err != nil {
					return err
				}
				prov, err := app.Provisioner(ctx)
				if err != nil {
					return err
				}
				report, err := prov.Provision(ctx, st.Resources)
				if report != nil {
					fmt.Fprintf(c.stdout, "created: %d, updated: %d, unchanged: %d, removed: %d\n",
						len(report.Created), len(report.Updated), len(report.Unchanged), len(report.Removed))
					for _, id := range report.Orphaned {
						fmt.Fprintf(c.stderr, "warning: %s left the stack but was not removed\n", id)
					}
				}
				if err != nil {
					return &ExitError{Op: "provision", Err: err, Code: ExitProvisionError}
				}
				if len(st.Outputs) == 0 {
					return nil
				}
				outputs, err := prov.Outputs(ctx, st.Outputs)
				if err != nil {
					return &ExitError{Op: "outputs", Err: err, Code: ExitProvisionError}
				}
				printOutputs(c.stdout, outputs)
				return nil
			})
		},
	}
}

func (c *cli) teardownCommand() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Destroy the stack's resources in reverse dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return &ExitError{Op: "teardown", Err: errors.New("refusing to destroy resources without --yes"), Code: ExitConfigError}
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return c.withApp(func(app *App) error {
				st, err := app.Stack()
				if err != nil {
					return err
				}
				prov, err := app.Provisioner(ctx)
				if err != nil {
					return err
				}
				destroyed, err := prov.Teardown(ctx, st.Resources)
				for _, id := range destroyed {
					fmt.Fprintf(c.stdout, "destroyed %s\n", id)
				}
				if err != nil {
					return &ExitError{Op: "teardown", Err: err, Code: ExitProvisionError}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm destruction")
	return cmd
}

func (c *cli) outputsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Print the stack outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				st, err := app.Stack()
				if err != nil {
					return err
				}
				prov, err := app.Provisioner(cmd.Context())
				if err != nil {
					return err
				}
				outputs, err := prov.Outputs(cmd.Context(), st.Outputs)
				if err != nil {
					return &ExitError{Op: "outputs", Err: err, Code: ExitProvisionError}
				}
				if asJSON {
					enc := json.NewEncoder(c.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(outputs)
				}
				printOutputs(c.stdout, outputs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printOutputs(w io.Writer, outputs map[string]string) {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s = %s\n", name, outputs[name])
	}
}

func (c *cli) importComposeCommand() *cobra.Command {
	var opts stack.ComposeOptions
	var output string
	cmd := &cobra.Command{
		Use:   "import-compose <compose-file>",
		Short: "Convert a docker-compose file into a stack file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return &ExitError{Op: "read compose file", Err: err, Code: ExitConfigError}
			}
			st, err := stack.FromCompose(string(content), opts)
			if err != nil {
				return &ExitError{Op: "import compose", Err: err, Code: ExitPlanError}
			}
			data, err := stack.MarshalYAML(st)
			if err != nil {
				return &ExitError{Op: "render stack", Err: err, Code: ExitPlanError}
			}
			if output == "" || output == "-" {
				_, err = c.stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return &ExitError{Op: "write stack", Err: err, Code: ExitConfigError}
			}
			fmt.Fprintf(c.stderr, "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "stack name")
	cmd.Flags().StringVar(&opts.Repository, "repository", "", "source repository of the built service")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch to deliver")
	cmd.Flags().StringVar(&opts.TokenSecret, "token-secret", "", "secret holding the repository credential")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the stack file here instead of stdout")
	return cmd
}

// =============================================================================
// Pipeline Commands
// =============================================================================

func (c *cli) runCommand() *cobra.Command {
	var trigger pipeline.Trigger
	cmd := &cobra.Command{
		Use:   "run <pipeline>",
		Short: "Run a pipeline to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			return c.withApp(func(app *App) error {
				seq, err := app.Sequencer(ctx)
				if err != nil {
					return err
				}
				trigger.Source = pipeline.TriggerManual
				trigger.Actor = os.Getenv("USER")

				run, err := seq.Trigger(ctx, args[0], trigger)
				if run != nil {
					fmt.Fprintf(c.stdout, "run %s %s", run.ID, run.Status)
					if run.Revision != "" {
						fmt.Fprintf(c.stdout, " at %s", run.Revision)
					}
					fmt.Fprintln(c.stdout)
					for _, a := range run.Artifacts {
						fmt.Fprintf(c.stdout, "  %s: %s\n", a.Name, a.PayloadRef)
					}
				}
				if err != nil {
					return &ExitError{Op: "run " + args[0], Err: err, Code: ExitRunError}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger.Branch, "branch", "", "branch to build (default: the pipeline's branch)")
	cmd.Flags().StringVar(&trigger.Revision, "revision", "", "commit to build (default: the branch head)")
	return cmd
}

func (c *cli) runsCommand() *cobra.Command {
	opts := store.DefaultListOptions()
	opts.Limit = 20
	cmd := &cobra.Command{
		Use:   "runs <pipeline>",
		Short: "List a pipeline's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				runs, err := app.Store().ListRuns(cmd.Context(), args[0], opts)
				if err != nil {
					return &ExitError{Op: "list runs", Err: err, Code: ExitDatabaseError}
				}
				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTATUS\tSTAGE\tREVISION\tTRIGGER\tCREATED")
				for _, r := range runs {
					stage := r.CurrentStage
					if r.FailedStage != "" {
						stage = r.FailedStage
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Status, stage, shortRevision(r.Revision), r.Trigger.Source, r.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "maximum number of runs")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "runs to skip")
	return cmd
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// =============================================================================
// Secret Commands
// =============================================================================

func (c *cli) secretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the encrypted secret table",
	}

	var toKeyring bool
	set := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := c.secretValue(args)
			if err != nil {
				return err
			}
			if toKeyring {
				if err := c.load(); err != nil {
					return err
				}
				service := c.config.Secrets.KeyringService
				if service == "" {
					return &ExitError{Op: "secret set", Err: errors.New("secrets.keyring_service is not set"), Code: ExitConfigError}
				}
				if err := secrets.NewKeyring(service).Store(args[0], value); err != nil {
					return &ExitError{Op: "secret set", Err: err, Code: ExitConfigError}
				}
				return nil
			}
			return c.withApp(func(app *App) error {
				v, err := app.Vault()
				if err != nil {
					return err
				}
				if err := v.Set(cmd.Context(), args[0], value); err != nil {
					return &ExitError{Op: "secret set", Err: err, Code: ExitDatabaseError}
				}
				return nil
			})
		},
	}
	set.Flags().BoolVar(&toKeyring, "keyring", false, "store in the OS keyring instead")

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				v, err := app.Vault()
				if err != nil {
					return err
				}
				names, err := v.Names(cmd.Context())
				if err != nil {
					return &ExitError{Op: "secret list", Err: err, Code: ExitDatabaseError}
				}
				for _, n := range names {
					fmt.Fprintln(c.stdout, n)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				v, err := app.Vault()
				if err != nil {
					return err
				}
				if err := v.Delete(cmd.Context(), args[0]); err != nil {
					return &ExitError{Op: "secret delete", Err: err, Code: ExitDatabaseError}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

func (c *cli) secretValue(args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(c.stdin)
	if err != nil {
		return "", &ExitError{Op: "read secret", Err: err, Code: ExitConfigError}
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return "", &ExitError{Op: "read secret", Err: errors.New("empty secret value"), Code: ExitConfigError}
	}
	return value, nil
}

func (c *cli) deployKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy-key",
		Short: "Manage SSH deploy keys",
	}

	var comment string
	generate := &cobra.Command{
		Use:   "generate <secret-name>",
		Short: "Generate an Ed25519 deploy key and store its private half as a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(app *App) error {
				v, err := app.Vault()
				if err != nil {
					return err
				}
				key, err := crypto.GenerateDeployKey(comment)
				if err != nil {
					return &ExitError{Op: "generate deploy key", Err: err, Code: ExitConfigError}
				}
				if err := v.Set(cmd.Context(), args[0], string(key.PEM)); err != nil {
					return &ExitError{Op: "store deploy key", Err: err, Code: ExitDatabaseError}
				}
				fmt.Fprintf(c.stderr, "stored private key as %s (%s)\nadd this read-only deploy key to the repository:\n", args[0], key.Fingerprint)
				fmt.Fprint(c.stdout, key.PublicKey)
				return nil
			})
		},
	}
	generate.Flags().StringVar(&comment, "comment", "stackpipe", "key comment")

	cmd.AddCommand(generate)
	return cmd
}
