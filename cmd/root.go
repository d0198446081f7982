package main

import (
	"context"

	"github.com/spf13/cobra"
)

// cli owns the lazily wired app shared by all commands
type cli struct {
	root    *cobra.Command
	app     *app
	command string
}

func newCLI() *cli {
	c := &cli{}
	c.root = &cobra.Command{
		Use:           "volsurface",
		Short:         "Implied volatility surface builder and snapshot history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			c.app, c.command = a, cmd.Name()
			return nil
		},
	}

	get := func() *app { return c.app }
	c.root.AddCommand(
		buildCmd(get),
		listCmd(get),
		latestCmd(get),
		compareCmd(get),
		timeseriesCmd(get),
		eventStudyCmd(get),
		serveCmd(get),
	)
	return c
}

// Execute runs the selected command, reports a failure to the tracker and releases the app
func (c *cli) Execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	if c.app != nil {
		if err != nil {
			c.app.Report(ctx, err, c.command)
		}
		c.app.Close(context.Background())
	}
	return err
}
