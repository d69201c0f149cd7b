package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand. Empty values fall
// back to the environment and then to the config file.
type rootOptions struct {
	configPath string
	repo       string
	db         string
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opt rootOptions

	rootCmd := &cobra.Command{
		Use:           "jul-receive",
		Short:         "Process git pushes into changes and patch sets",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	opt.addFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newProcessCommand(&opt),
		newServeCommand(&opt),
		newInitCommand(&opt),
		newVersionCommand(),
	)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	return rootCmd.ExecuteContext(ctx)
}

// addFlags registers the shared flags and the klog flags (-v, -logtostderr,
// ...) on flags.
func (o *rootOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "", "config file (default $JUL_RECEIVE_CONFIG or receive.yaml)")
	flags.StringVar(&o.repo, "repo", "", "git repository path")
	flags.StringVar(&o.db, "db", "", "change database path")

	fs := goflag.NewFlagSet("", goflag.PanicOnError)
	klog.InitFlags(fs)
	flags.AddGoFlagSet(fs)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jul-receive %s\n", version)
		},
	}
}
