package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-memcache/service"
	"github.com/saiset-co/sai-memcache/types"
)

func main() {
	app := &cli.App{
		Name:  "webcache",
		Usage: "walk through the memory cache behaviours",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yml",
				Usage:   "path to the service config",
			},
		},
		Commands: []*cli.Command{
			{Name: "basic", Usage: "try-get-set, get-or-create, async and remove", Action: withDemo("basic", runBasic)},
			{Name: "sliding", Usage: "show the 3s sliding window", Action: withDemo("sliding", runSliding)},
			{Name: "callback", Usage: "evict an entry and read the callback message", Action: withDemo("callback", runCallback)},
			{Name: "dependent", Usage: "expire a parent through its child's token", Action: withDemo("dependent", runDependent)},
			{Name: "cancel", Usage: "cancel a token after 100ms", Action: withDemo("cancel", runCancel)},
			{Name: "tour", Usage: "run every scenario", Action: withDemo("tour", runTour)},
		},
		Action: withDemo("tour", runTour),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "webcache: %v\n", err)
		os.Exit(1)
	}
}

type scenario func(ctx context.Context, d *demo) error

func withDemo(name string, run scenario) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		svc, err := service.NewService(ctx, c.String("config"))
		if err != nil {
			return types.WrapError(err, "failed to create service")
		}

		if err := svc.Start(); err != nil {
			return types.WrapError(err, "failed to start service")
		}

		d := newDemo(svc.Cache(), svc.Logger())
		runErr := run(ctx, d)
		d.Close()

		if runErr != nil {
			svc.Logger().Error("Scenario failed", zap.String("scenario", name), zap.Error(runErr))
		}

		if err := svc.Stop(); err != nil && !types.IsError(err, types.ErrServiceIsNotRunning) {
			return err
		}

		return runErr
	}
}

func runTour(ctx context.Context, d *demo) error {
	for _, run := range []scenario{runBasic, runSliding, runCallback, runDependent, runCancel} {
		if err := run(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func runBasic(ctx context.Context, d *demo) error {
	first, err := d.TryGetSet()
	if err != nil {
		return err
	}
	again, err := d.TryGetSet()
	if err != nil {
		return err
	}
	report("try-get-set", first, "then", again)

	if err := d.Remove(); err != nil {
		return err
	}
	_, ok := d.Get()
	report("get after remove", ok)

	created, err := d.GetOrCreate()
	if err != nil {
		return err
	}
	report("get-or-create", created)

	if err := d.Remove(); err != nil {
		return err
	}

	async, err := d.GetOrCreateAsync(ctx)
	if err != nil {
		return err
	}
	report("get-or-create-async", async)

	return d.Remove()
}

func runSliding(_ context.Context, d *demo) error {
	created, err := d.TryGetSet()
	if err != nil {
		return err
	}
	report("sliding entry", created)

	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Second)
		v, ok := d.Get()
		report("read after 2s", ok, v)
	}

	time.Sleep(4 * time.Second)
	_, ok := d.Get()
	report("read after 4s idle", ok)
	return nil
}

func runCallback(_ context.Context, d *demo) error {
	if err := d.CreateCallbackEntry(); err != nil {
		return err
	}
	cached, message := d.GetCallbackEntry()
	report("callback entry", cached, message)

	if err := d.RemoveCallbackEntry(); err != nil {
		return err
	}

	message, _ = d.await(callbackMessageKey, time.Second)
	cached, _ = d.GetCallbackEntry()
	report("after remove", cached, message)
	return nil
}

func runDependent(_ context.Context, d *demo) error {
	if err := d.CreateDependentEntries(); err != nil {
		return err
	}
	parent, child, message := d.GetDependentEntries()
	report("dependent entries", parent, child, message)

	if err := d.RemoveChildEntry(); err != nil {
		return err
	}

	message, _ = d.await(dependentMessageKey, time.Second)
	parent, child, _ = d.GetDependentEntries()
	report("after child token cancel", parent, child, message)
	return nil
}

func runCancel(_ context.Context, d *demo) error {
	if err := d.CancelTest(); err != nil {
		return err
	}

	ticks, message, err := d.CheckCancel(false)
	if err != nil {
		return err
	}
	report("cancel test", ticks, message)

	if _, _, err = d.CheckCancel(true); err != nil {
		return err
	}

	message, _ = d.await(cancelMessageKey, time.Second)
	ticks, _, _ = d.CheckCancel(false)
	report("after CancelAfter(100ms)", ticks, message)
	return nil
}

func report(step string, values ...interface{}) {
	fmt.Printf("%-26s", step)
	for _, v := range values {
		fmt.Printf(" %v", v)
	}
	fmt.Println()
}
