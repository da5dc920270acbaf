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
	"io"
	"os"

	"github.com/nestybox/sysbox-kmem/kmalloc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var bootCommand = cli.Command{
	Name:  "boot",
	Usage: "initialize the allocator, show its layout and run the boot-time kmalloc self-test",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "caches",
			Usage: "also show the state of every size class cache (default = false)",
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

		logrus.Infof("Allocator %s booted", a.ID())

		printLayout(os.Stdout, a)
		fmt.Println()

		if err := selfTest(os.Stdout, a); err != nil {
			return fmt.Errorf("kmalloc self-test failed: %v", err)
		}

		if ctx.Bool("caches") {
			fmt.Println()
			printCaches(os.Stdout, a)
		}

		return a.Check()
	},
}

// selfTest mimics the kernel's boot-time kmalloc test: two allocations of the same
// size class are freed, and a third one must reuse the last freed object.
func selfTest(w io.Writer, a *kmalloc.Allocator) error {

	p1, err := a.Alloc(127)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kmalloc(127) = %#x\n", p1)

	p2, err := a.Alloc(124)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kmalloc(124) = %#x\n", p2)

	if err := a.Free(p1); err != nil {
		return err
	}
	fmt.Fprintf(w, "kfree(%#x)\n", p1)

	if err := a.Free(p2); err != nil {
		return err
	}
	fmt.Fprintf(w, "kfree(%#x)\n", p2)

	p3, err := a.Alloc(119)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kmalloc(119) = %#x\n", p3)

	if p3 != p2 {
		return fmt.Errorf("kmalloc(119) returned %#x; expected reuse of %#x", p3, p2)
	}

	p4, err := a.Alloc(512)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "kmalloc(512) = %#x\n", p4)

	// the memory must be usable
	msg := []byte("hello from kmalloc")
	buf, err := a.Bytes(p4, uint64(len(msg)))
	if err != nil {
		return err
	}
	copy(buf, msg)

	buf, err = a.Bytes(p4, uint64(len(msg)))
	if err != nil {
		return err
	}
	if string(buf) != string(msg) {
		return fmt.Errorf("memory at %#x reads %q; expected %q", p4, buf, msg)
	}

	for _, p := range []uint64{p3, p4} {
		if err := a.Free(p); err != nil {
			return err
		}
	}

	return nil
}
