// Package main implements cvmctl, a command-line driver for exercising
// the CVM core's scheduler facade and hypercall ABI against the
// software-decoded HardwareAdapter, since this module never speaks to
// real SVM hardware.
package main

import (
	"fmt"
	"os"

	"github.com/noirvisor/cvm-core"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var cvmctlLog = logrus.WithField("source", "cvmctl")

func main() {
	app := cli.NewApp()
	app.Name = "cvmctl"
	app.Usage = "drive the CVM core's scheduler facade from the command line"
	app.Version = "0.1.0"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to a TOML file of process-wide CVM options",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug-level logging",
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
			cvm.SetLogger(logrus.WithField("source", "cvmctl"))
		}
		if path := c.String("config"); path != "" {
			if _, err := cvm.LoadOptions(path); err != nil {
				return fmt.Errorf("cvmctl: load config: %w", err)
			}
		}
		return nil
	}

	app.Commands = []cli.Command{
		createVMCommand,
		createVCPUCommand,
		runCommand,
		dumpCommand,
		rescindCommand,
		reassignCommand,
	}

	if err := app.Run(os.Args); err != nil {
		cvmctlLog.WithError(err).Error("cvmctl failed")
		os.Exit(1)
	}
}
