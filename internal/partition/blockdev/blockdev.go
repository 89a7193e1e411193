// Package blockdev discovers block devices and parses blkid output.
package blockdev

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/jaypipes/ghw"
)

type Partition struct {
	Name      string
	SizeBytes uint64
}

type Device struct {
	Name       string
	SizeBytes  uint64
	Partitions []Partition
}

// SizeMB is the size in decimal megabytes.
func (d Device) SizeMB() int64 {
	return int64(d.SizeBytes / (1000 * 1000))
}

type Probe interface {
	Devices() ([]Device, error)
}

// GHW probes /sys through ghw.
type GHW struct{}

func (GHW) Devices() ([]Device, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("probe block devices: %w", err)
	}
	devs := make([]Device, 0, len(info.Disks))
	for _, d := range info.Disks {
		dev := Device{Name: d.Name, SizeBytes: d.SizeBytes}
		for _, p := range d.Partitions {
			dev.Partitions = append(dev.Partitions, Partition{Name: p.Name, SizeBytes: p.SizeBytes})
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

// CompilePatterns compiles device name patterns.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("device pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Match returns the devices whose name matches any pattern, in probe order.
func Match(devs []Device, patterns []*regexp.Regexp) []Device {
	var out []Device
	for _, d := range devs {
		for _, re := range patterns {
			if re.MatchString(d.Name) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// PartitionName returns the kernel name of partition n on device, e.g.
// sda -> sda1, mmcblk0 -> mmcblk0p1.
func PartitionName(device string, n int) string {
	if device != "" && device[len(device)-1] >= '0' && device[len(device)-1] <= '9' {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}

// Info is what blkid reports for one device.
type Info struct {
	Device   string
	UUID     string
	Type     string
	Label    string
	PartUUID string
}

// ParseBlkid parses one line of `blkid <dev>` output, e.g.
// /dev/sda1: UUID="1234" TYPE="ext4" PARTUUID="abcd-01"
func ParseBlkid(out []byte) (Info, error) {
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	dev, rest, ok := strings.Cut(line, ":")
	if !ok || dev == "" {
		return Info{}, fmt.Errorf("can't parse blkid output %q", line)
	}
	elements, err := shlex.Split(rest)
	if err != nil {
		return Info{}, fmt.Errorf("blkid %s: %w", dev, err)
	}
	info := Info{Device: dev}
	for _, e := range elements {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(k) {
		case "UUID":
			info.UUID = v
		case "TYPE":
			info.Type = v
		case "LABEL":
			info.Label = v
		case "PARTUUID":
			info.PartUUID = v
		}
	}
	if info.UUID == "" {
		return info, fmt.Errorf("blkid %s: no UUID", dev)
	}
	return info, nil
}
