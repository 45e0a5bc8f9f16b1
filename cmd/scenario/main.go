package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/urfave/cli/v3"
)

const (
	verboseKey   = "verbose"
	windowKey    = "window"
	consumersKey = "consumers"
)

func main() {
	cmd := &cli.Command{
		Name:  "scenario",
		Usage: "Run change stream recipes and print every delivered batch",
		Commands: []*cli.Command{
			{
				Name:  "autorefresh",
				Usage: "Track distinct sensor readings as readings change in place",
				Flags: []cli.Flag{
					verboseFlag(),
					&cli.DurationFlag{
						Name:  windowKey,
						Usage: "Collect Evaluate entries for this long before emitting them",
					},
				},
				Action: runAutoRefresh,
			},
			{
				Name:   "reevaluate",
				Usage:  "Force a recount of distinct teams after silent mutations",
				Flags:  []cli.Flag{verboseFlag()},
				Action: runReevaluate,
			},
			{
				Name:  "merge",
				Usage: "Flatten pens of animals into one zoo shared by several consumers",
				Flags: []cli.Flag{
					verboseFlag(),
					&cli.UintFlag{
						Name:  consumersKey,
						Usage: "Number of consumers sharing the merged stream",
						Value: 3,
					},
				},
				Action: runMerge,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func verboseFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  verboseKey,
		Usage: "Log operator lifecycle to stderr",
	}
}

func logger(cmd *cli.Command) logr.Logger {
	if !cmd.Bool(verboseKey) {
		return logr.Discard()
	}
	stdr.SetVerbosity(2)
	return stdr.New(log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)).WithName(cmd.Name)
}

func timed(name string) func() {
	start := time.Now()
	log.Printf("Scenario %s started", name)
	return func() {
		log.Printf("Scenario %s finished in %v", name, time.Since(start))
	}
}
