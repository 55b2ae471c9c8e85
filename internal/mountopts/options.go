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

// Package mountopts parses the comma-separated mount-option string named in
// §6.1: init (format the device before mounting), device=PATH (the backing
// file to map), and cpus=N (how many per-CPU allocator pools to build,
// defaulting to runtime.NumCPU()).
package mountopts

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Options is the parsed form of a mount-option string.
type Options struct {
	// Init requests that the device be formatted (super block, inode
	// table, and page-descriptor table written fresh) before mounting.
	Init bool
	// Device is the path to the backing file/block device to map.
	Device string
	// CPUs is the number of per-CPU allocator pools to build.
	CPUs int
	// NumInodes and MaxPages size the inode table and page-descriptor
	// table when Init is set; ignored otherwise, since an existing device
	// carries its own geometry in its super block.
	NumInodes uint64
	MaxPages  uint64
}

// Default geometry sizes used when a mount option doesn't override them.
const (
	DefaultNumInodes = 1 << 16
	DefaultMaxPages  = 1 << 20
)

// Parse parses a comma-separated "key=value,key,key=value" option string as
// accepted by mkhayleyfs and the Mount entry point.
func Parse(s string) (Options, error) {
	opts := Options{CPUs: runtime.NumCPU(), NumInodes: DefaultNumInodes, MaxPages: DefaultMaxPages}
	if s == "" {
		return opts, fmt.Errorf("mountopts: device= option is required")
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, hasValue := strings.Cut(field, "=")
		switch key {
		case "init":
			opts.Init = true
		case "device":
			if !hasValue || value == "" {
				return Options{}, fmt.Errorf("mountopts: device= requires a path")
			}
			opts.Device = value
		case "cpus":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Options{}, fmt.Errorf("mountopts: invalid cpus= value %q", value)
			}
			opts.CPUs = n
		case "num_inodes":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil || n == 0 {
				return Options{}, fmt.Errorf("mountopts: invalid num_inodes= value %q", value)
			}
			opts.NumInodes = n
		case "max_pages":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil || n == 0 {
				return Options{}, fmt.Errorf("mountopts: invalid max_pages= value %q", value)
			}
			opts.MaxPages = n
		default:
			return Options{}, fmt.Errorf("mountopts: unrecognized option %q", key)
		}
	}
	if opts.Device == "" {
		return Options{}, fmt.Errorf("mountopts: device= option is required")
	}
	return opts, nil
}
