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
	"strconv"

	"github.com/nestybox/sysbox-kmem/kmalloc"
	"github.com/nestybox/sysbox-kmem/lib/physMem"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

// kmemFileConfig is the layout of the allocator config file; unset fields keep
// their default values.
type kmemFileConfig struct {
	MemStart     string  `yaml:"mem-start"`
	MemEnd       string  `yaml:"mem-end"`
	PageSize     *uint32 `yaml:"page-size"`
	MaxOrder     *int    `yaml:"max-order"`
	Granularity  *uint32 `yaml:"granularity"`
	MaxSize      *uint32 `yaml:"max-size"`
	WastePercent *uint32 `yaml:"waste-percent"`
	Mmap         *bool   `yaml:"mmap"`
}

func defaultConfig() kmalloc.Config {
	return kmalloc.DefaultConfig()
}

// parseAddr parses a memory address given in decimal, hex (0x) or octal (0) notation
func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return addr, nil
}

// applyConfigFile reads the yaml config in r and applies it to cfg
func applyConfigFile(r io.Reader, cfg *kmalloc.Config) error {
	var fc kmemFileConfig

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse config: %v", err)
	}

	if fc.MemStart != "" {
		addr, err := parseAddr(fc.MemStart)
		if err != nil {
			return err
		}
		cfg.Start = addr
	}

	if fc.MemEnd != "" {
		addr, err := parseAddr(fc.MemEnd)
		if err != nil {
			return err
		}
		cfg.End = addr
	}

	if fc.PageSize != nil {
		cfg.PageSize = *fc.PageSize
	}
	if fc.MaxOrder != nil {
		cfg.MaxOrder = *fc.MaxOrder
	}
	if fc.Granularity != nil {
		cfg.Granularity = *fc.Granularity
	}
	if fc.MaxSize != nil {
		cfg.MaxSize = *fc.MaxSize
	}
	if fc.WastePercent != nil {
		cfg.WastePercent = *fc.WastePercent
	}
	if fc.Mmap != nil {
		if *fc.Mmap {
			cfg.Backing = physMem.Mapped
		} else {
			cfg.Backing = physMem.Heap
		}
	}

	return nil
}

// getConfig builds the allocator config from the defaults, the config file (if
// any) and the command line options, in that order of precedence.
func getConfig(ctx *cli.Context) (kmalloc.Config, error) {
	var err error

	cfg := defaultConfig()

	if path := ctx.GlobalString("config"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()

		if err := applyConfigFile(f, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %v", path, err)
		}
		logrus.Debugf("Loaded allocator config from %s", path)
	}

	if ctx.GlobalIsSet("mem-start") {
		if cfg.Start, err = parseAddr(ctx.GlobalString("mem-start")); err != nil {
			return cfg, err
		}
	}
	if ctx.GlobalIsSet("mem-end") {
		if cfg.End, err = parseAddr(ctx.GlobalString("mem-end")); err != nil {
			return cfg, err
		}
	}
	if ctx.GlobalIsSet("page-size") {
		cfg.PageSize = uint32(ctx.GlobalUint("page-size"))
	}
	if ctx.GlobalIsSet("max-order") {
		cfg.MaxOrder = ctx.GlobalInt("max-order")
	}
	if ctx.GlobalIsSet("granularity") {
		cfg.Granularity = uint32(ctx.GlobalUint("granularity"))
	}
	if ctx.GlobalIsSet("max-size") {
		cfg.MaxSize = uint32(ctx.GlobalUint("max-size"))
	}
	if ctx.GlobalIsSet("waste-percent") {
		cfg.WastePercent = uint32(ctx.GlobalUint("waste-percent"))
	}
	if ctx.GlobalBool("mmap") {
		cfg.Backing = physMem.Mapped
	}

	return cfg, nil
}
