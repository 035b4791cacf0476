package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	target     string

	rootCmd = &cobra.Command{
		Use:   "mirador-chaos",
		Short: "Autonomous chaos engineering control plane",
		Long: `mirador-chaos injects controlled faults into running services, watches
the observability backend for the problems they cause, and drives an
automated diagnose, fix and verify loop over them.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and its gRPC control surface",
		RunE:  runServe,
	}

	recipesCmd = &cobra.Command{
		Use:   "recipes",
		Short: "List the chaos recipes the configured catalogue provides",
		RunE:  runRecipes,
	}

	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "List the remediation rules in evaluation order",
		RunE:  runRules,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE:  runConfig,
	}

	ctlCmd = &cobra.Command{
		Use:   "ctl <method> [json]",
		Short: "Call a control-surface method on a running instance",
		Long: `Call one method of the control surface, for example:

  mirador-chaos ctl SchedulerStatus
  mirador-chaos ctl InjectChaos '{"type":"slow_responses","target":"PaymentService","intensity":5,"durationMs":120000}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runCtl,
	}

	methodsCmd = &cobra.Command{
		Use:   "methods",
		Short: "List control-surface methods",
		Run:   runMethods,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	ctlCmd.Flags().StringVar(&target, "target", "", "Control surface address (defaults to server.address)")

	ctlCmd.AddCommand(methodsCmd)
	rootCmd.AddCommand(serveCmd, recipesCmd, rulesCmd, configCmd, ctlCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
