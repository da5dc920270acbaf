//
// Copyright 2019-2023 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	usage = `Sysbox kernel memory allocator

sysbox-kmem boots the kernel's dynamic memory allocator (buddy page allocator
plus slab caches) over a synthetic memory region, and exercises it.`
)

// Globals to be populated at build time during Makefile processing.
var (
	edition  string // Sysbox Edition: CE or EE
	version  string // extracted from VERSION file
	commitId string // latest sysbox-kmem's git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

// profiler in use (if any); stopped when the app exits
var prof interface{ Stop() }

func main() {
	app := cli.NewApp()
	app.Name = "sysbox-kmem"
	app.Usage = usage
	app.Version = version

	var v []string
	if version != "" {
		v = append(v, version)
	}
	app.Version = strings.Join(v, "\n")

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: "",
			Usage: "allocator config file (yaml); command line options override its settings",
		},
		cli.StringFlag{
			Name:  "mem-start",
			Value: fmt.Sprintf("%#x", defaultConfig().Start),
			Usage: "starting address of the managed memory region",
		},
		cli.StringFlag{
			Name:  "mem-end",
			Value: fmt.Sprintf("%#x", defaultConfig().End),
			Usage: "end address (exclusive) of the managed memory region",
		},
		cli.UintFlag{
			Name:  "page-size",
			Value: uint(defaultConfig().PageSize),
			Usage: "page size in bytes (power of 2)",
		},
		cli.IntFlag{
			Name:  "max-order",
			Value: defaultConfig().MaxOrder,
			Usage: "number of buddy orders; the largest page group has 2^(max-order - 1) pages",
		},
		cli.UintFlag{
			Name:  "granularity",
			Value: uint(defaultConfig().Granularity),
			Usage: "size difference between consecutive kmalloc size classes, in bytes",
		},
		cli.UintFlag{
			Name:  "max-size",
			Value: uint(defaultConfig().MaxSize),
			Usage: "kmalloc requests must be smaller than this size, in bytes",
		},
		cli.UintFlag{
			Name:  "waste-percent",
			Value: uint(defaultConfig().WastePercent),
			Usage: "max percentage of a slab that may be left over after carving it into objects",
		},
		cli.BoolFlag{
			Name:  "mmap",
			Usage: "back the memory region with an anonymous memory mapping instead of the Go heap (default = false)",
		},
	}

	app.Commands = []cli.Command{
		bootCommand,
		stressCommand,
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("sysbox-kmem\n"+
			"\tedition: \t%s\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			edition, c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf("'%v' log-level option not recognized", logLevel)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		// If requested, launch cpu/mem profiling data collection.
		var err error
		prof, err = runProfiler(ctx)
		if err != nil {
			return err
		}

		return nil
	}

	app.After = func(ctx *cli.Context) error {
		stopProfiler()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		stopProfiler()
		logrus.Fatal(err)
	}
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {

	var prof interface{ Stop() }

	cpuProfOn := ctx.GlobalBool("cpu-profiling")
	memProfOn := ctx.GlobalBool("memory-profiling")

	// Cpu and Memory profiling options seem to be mutually exclused in pprof.
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("Unsupported parameter combination: cpu and memory profiling")
	}

	// Typical / non-profiling case.
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	// Notice that 'NoShutdownHook' option is passed to profiler constructor to
	// avoid this one reacting to 'sigterm' signal arrival. IOW, we want the
	// stress command to be the one reacting to signals (and to stop profiling
	// as sysbox-kmem exits).

	if cpuProfOn {
		prof = profile.Start(
			profile.CPUProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated cpu-profiling data collection.")
	}

	if memProfOn {
		prof = profile.Start(
			profile.MemProfile,
			profile.ProfilePath("."),
			profile.NoShutdownHook,
		)
		logrus.Info("Initiated memory-profiling data collection.")
	}

	return prof, nil
}

func stopProfiler() {
	if prof != nil {
		prof.Stop()
		prof = nil
	}
}
