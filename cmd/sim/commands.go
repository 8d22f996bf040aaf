package sim

import "github.com/spf13/cobra"

// Actions defines simulator lifecycle operations.
type Actions interface {
	Acquire(cmd *cobra.Command, args []string) error
	Release(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	Boot(cmd *cobra.Command, args []string) error
	Shutdown(cmd *cobra.Command, args []string) error
	Evict(cmd *cobra.Command, args []string) error
	Attach(cmd *cobra.Command, args []string) error
	History(cmd *cobra.Command, args []string) error
	PS(cmd *cobra.Command, args []string) error
	Watch(cmd *cobra.Command, args []string) error
}

// Command builds the "sim" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	simCmd := &cobra.Command{
		Use:   "sim",
		Short: "Manage the simulator fleet",
	}

	acquireCmd := &cobra.Command{
		Use:   "acquire [flags]",
		Short: "Acquire an exclusive lease on a matching simulator",
		Args:  cobra.NoArgs,
		RunE:  h.Acquire,
	}
	addConfigFlags(acquireCmd)
	acquireCmd.Flags().Duration("timeout", 0, "how long to wait for a lease (0 = fail immediately)")
	acquireCmd.Flags().Bool("boot", false, "boot the simulator after acquiring")
	acquireCmd.Flags().Bool("prepare", false, "run the launch preparation steps after acquiring")

	releaseCmd := &cobra.Command{
		Use:   "release LEASE",
		Short: "Release a lease, returning the simulator to the idle set",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Release,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List simulators with lease status",
		RunE:    h.List,
	}
	listCmd.Flags().Bool("all", false, "include deleted simulators")

	inspectCmd := &cobra.Command{
		Use:   "inspect SIM",
		Short: "Show detailed simulator info (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	bootCmd := &cobra.Command{
		Use:   "boot SIM [SIM...]",
		Short: "Boot simulator(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Boot,
	}

	shutdownCmd := &cobra.Command{
		Use:   "shutdown SIM [SIM...]",
		Short: "Shut simulator(s) down",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Shutdown,
	}

	evictCmd := &cobra.Command{
		Use:   "evict SIM [SIM...]",
		Short: "Forcibly tear simulator(s) down, lease or no lease",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Evict,
	}

	attachCmd := &cobra.Command{
		Use:   "attach SIM",
		Short: "Attach an interactive console to a booted simulator",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Attach,
	}

	historyCmd := &cobra.Command{
		Use:   "history SIM",
		Short: "Show a simulator's event history",
		Args:  cobra.ExactArgs(1),
		RunE:  h.History,
	}
	historyCmd.Flags().Bool("json", false, "print raw event records as JSON lines")

	psCmd := &cobra.Command{
		Use:   "ps SIM",
		Short: "List live processes attributed to a simulator",
		Args:  cobra.ExactArgs(1),
		RunE:  h.PS,
	}

	watchCmd := &cobra.Command{
		Use:   "watch [SIM...]",
		Short: "Stream process events for simulators (all non-deleted by default)",
		RunE:  h.Watch,
	}
	watchCmd.Flags().Duration("interval", 0, "poll interval (default 1s)")

	simCmd.AddCommand(
		acquireCmd,
		releaseCmd,
		listCmd,
		inspectCmd,
		bootCmd,
		shutdownCmd,
		evictCmd,
		attachCmd,
		historyCmd,
		psCmd,
		watchCmd,
	)
	return simCmd
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("device-class", "iPhone15", "device class to match")
	cmd.Flags().String("os-version", "17.0", "OS version to match")
	cmd.Flags().String("locale", "", "device locale")
	cmd.Flags().String("memory", "2G", "device memory size")
	cmd.Flags().StringArray("opt", nil, "launch option key=value (repeatable)")
}
