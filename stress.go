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
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	intf "github.com/nestybox/sysbox-kmem/intf"
	"github.com/nestybox/sysbox-kmem/kmalloc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var stressCommand = cli.Command{
	Name:  "stress",
	Usage: "run a randomized kmalloc/kfree workload, checking the allocator's invariants",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "ops",
			Value: 100000,
			Usage: "number of kmalloc/kfree operations",
		},
		cli.Int64Flag{
			Name:  "seed",
			Value: 0,
			Usage: "random seed (0 = time based)",
		},
		cli.IntFlag{
			Name:  "free-bias",
			Value: 64,
			Usage: "number of live objects at which kfree becomes as likely as kmalloc",
		},
		cli.IntFlag{
			Name:  "check-every",
			Value: 1000,
			Usage: "verify the allocator's invariants every this many operations (0 = only at the end)",
		},
	},
	Action: func(ctx *cli.Context) error {

		cfg, err := getConfig(ctx)
		if err != nil {
			return err
		}

		a, err := kmalloc.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize kmalloc: %v", err)
		}
		defer a.Close()

		seed := ctx.Int64("seed")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		var signalChan = make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalChan)

		w := &stressWorkload{
			alloc:      a,
			rnd:        rand.New(rand.NewSource(seed)),
			maxSize:    cfg.MaxSize,
			freeBias:   ctx.Int("free-bias"),
			checkEvery: ctx.Int("check-every"),
			stop:       signalChan,
			log: logrus.WithFields(logrus.Fields{
				"run":  uuid.New().String(),
				"seed": seed,
			}),
		}

		stats, err := w.run(ctx.Int("ops"))
		if err != nil {
			return err
		}

		printer.Printf("operations: %d (%d kmalloc, %d kfree, %d exhausted)\n",
			stats.ops, stats.allocs, stats.frees, stats.exhausted)
		printer.Printf("peak live objects: %d\n", stats.peakLive)
		fmt.Println()
		printLayout(os.Stdout, a)

		return nil
	},
}

type stressStats struct {
	ops       int
	allocs    int
	frees     int
	exhausted int
	peakLive  int
}

type stressWorkload struct {
	alloc      *kmalloc.Allocator
	rnd        *rand.Rand
	maxSize    uint32
	freeBias   int
	checkEvery int
	stop       <-chan os.Signal
	log        logrus.FieldLogger

	live     mapset.Set // live addresses
	liveList []uint64
}

// run performs up to ops random operations, then frees everything and verifies
// that every object made it back to its cache.
func (w *stressWorkload) run(ops int) (stressStats, error) {
	var stats stressStats

	w.live = mapset.NewSet()
	w.liveList = nil

	w.log.Infof("Starting stress run (%d operations)", ops)

loop:
	for stats.ops = 0; stats.ops < ops; stats.ops++ {
		select {
		case s := <-w.stop:
			w.log.Infof("Caught OS signal: %s; stopping early", s)
			break loop
		default:
		}

		if err := w.step(&stats); err != nil {
			return stats, fmt.Errorf("operation %d: %v", stats.ops, err)
		}

		if w.checkEvery > 0 && (stats.ops+1)%w.checkEvery == 0 {
			if err := w.alloc.Check(); err != nil {
				return stats, fmt.Errorf("operation %d: %v", stats.ops, err)
			}
		}
	}

	for _, addr := range w.liveList {
		if err := w.alloc.Free(addr); err != nil {
			return stats, err
		}
		stats.frees++
	}
	w.live.Clear()
	w.liveList = nil

	if err := w.alloc.Check(); err != nil {
		return stats, err
	}

	if err := w.checkCaches(); err != nil {
		return stats, err
	}

	w.log.Info("Stress run done")

	return stats, nil
}

// step performs one random kmalloc or kfree; kfree is picked with probability
// live / (live + freeBias).
func (w *stressWorkload) step(stats *stressStats) error {

	n := len(w.liveList)
	bias := w.freeBias
	if bias <= 0 {
		bias = 1
	}

	if n > 0 && w.rnd.Intn(n+bias) >= bias {
		i := w.rnd.Intn(n)
		addr := w.liveList[i]
		w.liveList[i] = w.liveList[n-1]
		w.liveList = w.liveList[:n-1]
		w.live.Remove(addr)

		if err := w.alloc.Free(addr); err != nil {
			return err
		}
		stats.frees++
		return nil
	}

	size := uint32(w.rnd.Intn(int(w.maxSize)))

	addr, err := w.alloc.Alloc(size)
	if errors.Is(err, intf.ErrExhausted) {
		stats.exhausted++
		return nil
	}
	if err != nil {
		return err
	}

	if !w.live.Add(addr) {
		return fmt.Errorf("kmalloc(%d) returned live address %#x", size, addr)
	}
	w.liveList = append(w.liveList, addr)
	stats.allocs++

	if len(w.liveList) > stats.peakLive {
		stats.peakLive = len(w.liveList)
	}

	return nil
}

// checkCaches verifies that every cache's free objects account for all the
// objects in its slabs.
func (w *stressWorkload) checkCaches() error {
	pageSize := w.alloc.Buddy().PageSize()

	for i := 0; i < w.alloc.NumClasses(); i++ {
		c, err := w.alloc.Cache(i)
		if err != nil {
			return err
		}

		perSlab := (pageSize << c.Order()) / uint64(c.ObjSize())
		want := perSlab * uint64(len(c.Groups()))

		if uint64(c.ObjNum()) != want {
			return fmt.Errorf("size class %d: %d free objects; want %d", i, c.ObjNum(), want)
		}
	}

	return nil
}
