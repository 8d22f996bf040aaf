package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/devicelab-dev/simfleet/cmd/core"
	"github.com/devicelab-dev/simfleet/console"
	"github.com/devicelab-dev/simfleet/event"
	"github.com/devicelab-dev/simfleet/history"
	"github.com/devicelab-dev/simfleet/interaction"
	"github.com/devicelab-dev/simfleet/pool"
	"github.com/devicelab-dev/simfleet/procquery"
	"github.com/devicelab-dev/simfleet/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initPool is the shared init for methods that operate on the fleet.
func (h Handler) initPool(cmd *cobra.Command, opts ...pool.Option) (context.Context, *pool.Pool, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	p, err := cmdcore.InitPool(conf, opts...)
	if err != nil {
		return nil, nil, err
	}
	return ctx, p, nil
}

func (h Handler) Acquire(cmd *cobra.Command, _ []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()
	logger := log.WithFunc("cmd.acquire")

	cfg, err := cmdcore.SimConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	doBoot, _ := cmd.Flags().GetBool("boot")
	prepare, _ := cmd.Flags().GetBool("prepare")

	lease, sim, err := p.Acquire(ctx, cfg, timeout)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	logger.Infof(ctx, "leased simulator %s (%s)", sim.ID(), sim.Name())

	if prepare {
		chain := interaction.NewChain().PrepareForLaunch(cfg.Locale)
		if err := chain.Apply(ctx, sim); err != nil {
			return fmt.Errorf("prepare %s: %w", sim.ID(), err)
		}
		p.SyncInfo(ctx, sim)
	}
	if doBoot {
		if err := sim.Boot(ctx); err != nil {
			return err
		}
		p.SyncInfo(ctx, sim)
		logger.Infof(ctx, "booted simulator %s (agent pid %d)", sim.ID(), sim.PID())
	}

	// The lease ID on stdout is the scripting contract: callers capture it
	// and pass it back to release.
	fmt.Println(lease.ID)
	return nil
}

func (h Handler) Release(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	lease, err := p.ResolveLease(ctx, args[0])
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if err := p.Release(ctx, lease); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	log.WithFunc("cmd.release").Infof(ctx, "released simulator %s", lease.SimulatorID)
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	all, _ := cmd.Flags().GetBool("all")
	records, err := p.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if !all {
		kept := records[:0]
		for _, rec := range records {
			if rec.State != types.StateDeleted {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	if len(records) == 0 {
		fmt.Println("No simulators found.")
		return nil
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tDEVICE\tOS\tSTATE\tLEASE\tMEMORY\tCREATED")
	for i := range records {
		rec := &records[i]
		leaseCol := "-"
		if rec.Lease != nil {
			leaseCol = rec.Lease.ID
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.Name,
			rec.Config.DeviceClass,
			rec.Config.OSVersion,
			cmdcore.ReconcileState(rec),
			leaseCol,
			cmdcore.FormatSize(rec.Config.Memory),
			rec.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	rec, err := p.Inspect(ctx, id)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func (h Handler) Boot(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()
	ids, err := h.resolveAll(ctx, p, args)
	if err != nil {
		return err
	}
	return batchSimCmd(ctx, "boot", "booted", p.Boot, ids)
}

func (h Handler) Shutdown(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()
	ids, err := h.resolveAll(ctx, p, args)
	if err != nil {
		return err
	}
	return batchSimCmd(ctx, "shutdown", "shut down", p.Shutdown, ids)
}

func (h Handler) Evict(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()
	logger := log.WithFunc("cmd.evict")

	ids, err := h.resolveAll(ctx, p, args)
	if err != nil {
		return err
	}
	var failed []string
	for _, id := range ids {
		if err := p.Evict(ctx, id); err != nil {
			logger.Warnf(ctx, "evict %s: %v", id, err)
			failed = append(failed, id)
			continue
		}
		logger.Infof(ctx, "evicted: %s", id)
	}
	if len(failed) > 0 {
		return fmt.Errorf("evict failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (h Handler) Attach(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	p, err := cmdcore.InitPool(conf)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	rec, err := p.Inspect(ctx, id)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if rec.State != types.StateBooted || rec.SocketPath == "" {
		return fmt.Errorf("simulator %s is not booted (state %s)", id, rec.State)
	}
	return console.Attach(ctx, rec.SocketPath, rec.Name)
}

func (h Handler) History(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	p, err := cmdcore.InitPool(conf)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	events, err := history.ReadJournal(conf.SimHistoryFile(id))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tTIME\tKIND\tDETAIL")
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			ev.Seq,
			ev.Timestamp.Local().Format(time.DateTime),
			ev.Kind,
			describeEvent(ev),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// describeEvent renders the payload for the human-readable history table.
func describeEvent(ev types.Event) string {
	switch p := ev.Payload.(type) {
	case *types.StateChange:
		if p.Reason != "" {
			return fmt.Sprintf("%s -> %s (%s)", p.From, p.To, p.Reason)
		}
		return fmt.Sprintf("%s -> %s", p.From, p.To)
	case *types.ConfigApplied:
		return fmt.Sprintf("%s %s locale=%s", p.Config.DeviceClass, p.Config.OSVersion, p.Config.Locale)
	case *types.StepCompleted:
		keys := make([]string, 0, len(p.Delta))
		for k := range p.Delta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%s (%s)", p.Step, strings.Join(keys, ","))
	case *types.ProcessObserved:
		return fmt.Sprintf("pid %d %s", p.Process.PID, p.Process.Path)
	case *types.ProcessGone:
		return fmt.Sprintf("pid %d", p.PID)
	default:
		return ""
	}
}

func (h Handler) PS(cmd *cobra.Command, args []string) error {
	ctx, p, err := h.initPool(cmd)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	procs := procquery.New(nil).ProcessesFor(ctx, id)
	if len(procs) == 0 {
		fmt.Println("No processes found.")
		return nil
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PID\tPATH\tARGS")
	for _, proc := range procs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", proc.PID, proc.Path, strings.Join(proc.Args, " "))
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Watch(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	watcher := procquery.NewWatcher(procquery.New(nil), interval)

	p, err := cmdcore.InitPool(conf, pool.WithTracker(watcher))
	if err != nil {
		return err
	}
	defer p.Close()
	logger := log.WithFunc("cmd.watch")

	ids := args
	if len(ids) == 0 {
		records, lerr := p.List(ctx)
		if lerr != nil {
			return lerr
		}
		for _, rec := range records {
			if rec.State != types.StateDeleted {
				ids = append(ids, rec.ID)
			}
		}
	} else {
		if ids, err = h.resolveAll(ctx, p, ids); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to watch")
	}

	printer := event.Func(func(ev types.Event) error {
		switch pl := ev.Payload.(type) {
		case *types.ProcessObserved:
			fmt.Printf("%s  %s  pid %d started  %s\n",
				ev.Timestamp.Local().Format(time.DateTime), ev.SimulatorID, pl.Process.PID, pl.Process.Path)
		case *types.ProcessGone:
			fmt.Printf("%s  %s  pid %d exited\n",
				ev.Timestamp.Local().Format(time.DateTime), ev.SimulatorID, pl.PID)
		}
		return nil
	})
	for _, id := range ids {
		// Get materializes the handle, which registers it with the watcher.
		sim, gerr := p.Get(ctx, id)
		if gerr != nil {
			logger.Warnf(ctx, "skip %s: %v", id, gerr)
			continue
		}
		sim.Relay().Subscribe(printer)
	}

	logger.Infof(ctx, "watching %d simulator(s), ctrl+C to stop", len(ids))
	watcher.Run(ctx)
	return nil
}

// resolveAll maps user references to IDs, failing on the first unknown ref.
func (h Handler) resolveAll(ctx context.Context, p *pool.Pool, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		id, err := p.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", ref, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func batchSimCmd(ctx context.Context, name, pastTense string, fn func(context.Context, []string) ([]string, error), ids []string) error {
	logger := log.WithFunc("cmd." + name)
	done, err := fn(ctx, ids)
	for _, id := range done {
		logger.Infof(ctx, "%s: %s", pastTense, id)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no simulators %s", pastTense)
	}
	return nil
}
