// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceList is a validated list of device ids, each non-negative and unique.
// An empty list means all devices of the backend.
type DeviceList []int

// ParseDeviceList parses a comma-separated list of device ids, e.g. "0,1".
func ParseDeviceList(s string) (DeviceList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var list DeviceList
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid device id %q in %q", part, s)
		}
		list = append(list, id)
	}
	if err := list.checkIDs(); err != nil {
		return nil, err
	}
	return list, nil
}

// String implements fmt.Stringer, and returns the same format accepted by ParseDeviceList.
func (d DeviceList) String() string {
	parts := make([]string, len(d))
	for ii, id := range d {
		parts[ii] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func (d DeviceList) checkIDs() error {
	for ii, id := range d {
		if id < 0 {
			return errors.Errorf("device id must be >= 0, got %d", id)
		}
		if slices.Contains(d[:ii], id) {
			return errors.Errorf("device id %d listed more than once in %v", id, []int(d))
		}
	}
	return nil
}

// Validate checks the device ids against the number of devices available.
func (d DeviceList) Validate(numDevices int) error {
	if err := d.checkIDs(); err != nil {
		return err
	}
	if len(d) > numDevices {
		return errors.Errorf("%d devices requested (%v), but only %d available", len(d), []int(d), numDevices)
	}
	for _, id := range d {
		if id >= numDevices {
			return errors.Errorf("device id %d out of range, only %d devices available", id, numDevices)
		}
	}
	return nil
}

// IsAccelerated returns whether the backend runs on an accelerator (GPU/TPU) as opposed to
// general-purpose CPU cores.
//
// The pure Go backend ("SimpleGo (go)") is always CPU. Other backends, like "xla:cpu", are
// recognized by their description.
func IsAccelerated(backend backends.Backend) bool {
	if isSimpleGo(backend) {
		return false
	}
	return !strings.Contains(strings.ToLower(backend.Description()), "cpu")
}

func isSimpleGo(backend backends.Backend) bool {
	if s, ok := backend.(fmt.Stringer); ok && s.String() == simplego.BackendName {
		return true
	}
	name := backend.Name()
	return name == simplego.BackendName || strings.HasSuffix(name, "("+simplego.BackendName+")")
}

// ResolveDevices validates list against the backend and returns the devices to use.
//
// If list is empty, all devices of the backend are used. Running without an accelerator
// is never an error: a warning is logged and training continues on the CPU.
func ResolveDevices(backend backends.Backend, list DeviceList) (DeviceList, error) {
	numDevices := int(backend.NumDevices())
	if !IsAccelerated(backend) {
		klog.Warningf("No accelerator available (backend %q), training on CPU %q (%d physical cores) -- it will be slow",
			backend.Name(), cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores)
		// CPU backends expose a single logical device: any requested GPU ids are meaningless.
		if len(list) > 0 {
			klog.Warningf("Ignoring requested devices %v on CPU backend", []int(list))
		}
		return DeviceList{0}, nil
	}
	if len(list) == 0 {
		list = make(DeviceList, numDevices)
		for ii := range list {
			list[ii] = ii
		}
		return list, nil
	}
	if err := list.Validate(numDevices); err != nil {
		return nil, errors.WithMessagef(err, "backend %q", backend.Name())
	}
	return slices.Clone(list), nil
}
