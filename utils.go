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
	"text/tabwriter"

	"github.com/nestybox/sysbox-kmem/kmalloc"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatBytes renders a byte count in the largest binary unit that divides it
func formatBytes(n uint64) string {
	units := []string{"B", "KiB", "MiB", "GiB"}

	i := 0
	for n >= 1024 && n%1024 == 0 && i < len(units)-1 {
		n /= 1024
		i++
	}

	return printer.Sprintf("%d %s", n, units[i])
}

// printLayout writes the region, page and free list layout of the allocator
func printLayout(w io.Writer, a *kmalloc.Allocator) {
	buddy := a.Buddy()
	pm := buddy.Pages()
	cfg := a.Config()

	fmt.Fprintf(w, "memory region:   [%#x, %#x) (%s, %v backing)\n",
		pm.Start(), pm.End(), formatBytes(pm.End()-pm.Start()), cfg.Backing)
	printer.Fprintf(w, "pages:           %d x %s\n", buddy.TotalPages(), formatBytes(buddy.PageSize()))
	printer.Fprintf(w, "pages in use:    %d\n", buddy.BusyPages())
	printer.Fprintf(w, "pages free:      %d\n", buddy.FreePages())
	printer.Fprintf(w, "size classes:    %d (%d to %d bytes)\n", a.NumClasses(), cfg.Granularity, cfg.MaxSize)
	fmt.Fprintln(w)

	printFreeLists(w, a)
}

// printFreeLists writes the number of free groups per order
func printFreeLists(w io.Writer, a *kmalloc.Allocator) {
	buddy := a.Buddy()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "order\tgroup size\tfree groups\tfree pages\t")

	for o := 0; o < buddy.MaxOrder(); o++ {
		n := buddy.FreeCount(o)
		printer.Fprintf(tw, "%d\t%s\t%d\t%d\t\n",
			o, formatBytes(buddy.PageSize()<<o), n, n<<o)
	}

	tw.Flush()
}

// printCaches writes the state of every size class cache
func printCaches(w io.Writer, a *kmalloc.Allocator) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "class\tobject size\tslab order\tslabs\tfree objects\t")

	for i := 0; i < a.NumClasses(); i++ {
		c, err := a.Cache(i)
		if err != nil {
			continue
		}
		printer.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t\n",
			i, c.ObjSize(), c.Order(), len(c.Groups()), c.ObjNum())
	}

	tw.Flush()
}
