// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mkhayleyfs formats a backing file as a fresh HayleyFS device: a
// zeroed super block, inode table, and page-descriptor table plus a root
// directory, ready for mount.Mount to open without the init option.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"

	"github.com/hayleyfs/hayleyfs/internal/daxdev"
	"github.com/hayleyfs/hayleyfs/internal/mountopts"
	"github.com/hayleyfs/hayleyfs/mount"
)

func main() {
	device := flag.String("device", "", "path to the backing file to format")
	size := flag.Int64("size", 64<<20, "size in bytes of the backing file")
	numInodes := flag.Uint64("num-inodes", mountopts.DefaultNumInodes, "capacity of the inode table")
	maxPages := flag.Uint64("max-pages", mountopts.DefaultMaxPages, "capacity of the page-descriptor table")
	cpus := flag.Int("cpus", 0, "number of per-CPU allocator pools (0 means runtime.NumCPU())")
	flag.Parse()

	if *device == "" {
		fmt.Fprintln(os.Stderr, "mkhayleyfs: -device is required")
		os.Exit(2)
	}

	dev, err := daxdev.Open(*device, *size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkhayleyfs: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	opts := mountopts.Options{Init: true, Device: *device, NumInodes: *numInodes, MaxPages: *maxPages}
	if *cpus > 0 {
		opts.CPUs = *cpus
	} else {
		parsed, _ := mountopts.Parse("device=" + *device)
		opts.CPUs = parsed.CPUs
	}

	if _, err := mount.Format(dev, opts, timeutil.RealClock()); err != nil {
		fmt.Fprintf(os.Stderr, "mkhayleyfs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkhayleyfs: formatted %s (%d bytes, %d inodes, %d pages)\n", *device, *size, *numInodes, *maxPages)
}
