package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/devicelab-dev/simfleet/cmd/core"
	"github.com/devicelab-dev/simfleet/gc"
	"github.com/devicelab-dev/simfleet/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	p, err := cmdcore.InitPool(conf)
	if err != nil {
		return err
	}
	defer p.Close()

	reaper, err := gc.NewReaper(p, gc.Policy{
		MaxIdle: conf.MaxIdle,
		IdleTTL: conf.IdleTTL(),
	}, conf.PoolSize)
	if err != nil {
		return err
	}
	defer reaper.Close()

	if loop, _ := cmd.Flags().GetDuration("loop"); loop > 0 {
		reaper.Loop(ctx, loop)
		return nil
	}
	if err := reaper.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "reap cycle completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
