// Package partition prepares the external storage device of the appliance.
//
// A run checks the superuser and device-count preconditions, partitions and
// formats an empty device, migrates the data directories onto it, and wires
// it into fstab. Every OS command is a step with its own failure policy;
// configuration files are rewritten in-process.
package partition

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"homebox/internal/config"
	"homebox/internal/fsutil"
	"homebox/internal/partition/blockdev"
	"homebox/internal/runner"
	"homebox/internal/status"
)

var (
	ErrNotRoot              = errors.New("must run as root (UID 0)")
	ErrNoBlockDevice        = errors.New("no block device found")
	ErrMultipleBlockDevices = errors.New("unexpected number of block devices")
)

// dryRunUUID stands in for the partition UUID when commands are not executed.
const dryRunUUID = "00000000-dry-run"

type Options struct {
	Config config.Partition
	// Fs is where config files, the mount point and markers are looked up.
	Fs     afero.Fs
	Runner runner.Runner
	Probe  blockdev.Probe
	// Status is optional; when set the run is reported under Config.StatusID.
	Status *status.Store
	DryRun bool
	Logger logrus.FieldLogger
	// Euid defaults to unix.Geteuid.
	Euid func() int
}

type Partitioner struct {
	cfg      config.Partition
	fs       afero.Fs
	runner   runner.Runner
	probe    blockdev.Probe
	status   *status.Store
	dryRun   bool
	log      logrus.FieldLogger
	euid     func() int
	patterns []*regexp.Regexp
}

func New(opts Options) (*Partitioner, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Fs == nil || opts.Runner == nil || opts.Probe == nil {
		return nil, errors.New("partition: fs, runner and probe are required")
	}
	patterns, err := blockdev.CompilePatterns(opts.Config.DevicePatterns)
	if err != nil {
		return nil, err
	}
	p := &Partitioner{
		cfg:      opts.Config,
		fs:       opts.Fs,
		runner:   opts.Runner,
		probe:    opts.Probe,
		status:   opts.Status,
		dryRun:   opts.DryRun,
		log:      opts.Logger,
		euid:     opts.Euid,
		patterns: patterns,
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	if p.euid == nil {
		p.euid = unix.Geteuid
	}
	return p, nil
}

// Run prepares the device. Precondition failures return ErrNotRoot,
// ErrNoBlockDevice or ErrMultipleBlockDevices; failed Abort steps return a
// *StepError.
func (p *Partitioner) Run(ctx context.Context) (err error) {
	if p.euid() != 0 {
		return ErrNotRoot
	}
	p.report(status.Running, "")
	defer func() {
		if err != nil {
			p.report(status.Errored, errorCode(err))
			return
		}
		p.report(status.Success, "")
	}()

	if err := p.ensureMountPoint(); err != nil {
		return err
	}
	dev, err := p.device()
	if err != nil {
		return err
	}
	if len(dev.Partitions) == 0 {
		if err := p.createPartition(ctx, dev); err != nil {
			return err
		}
		if dev, err = p.device(); err != nil {
			return err
		}
	} else {
		p.log.WithField("device", dev.Name).Info("already partitioned")
	}

	part := blockdev.PartitionName(dev.Name, 1)
	if len(dev.Partitions) > 0 {
		part = dev.Partitions[0].Name
	}
	if len(dev.Partitions) <= 1 {
		if err := p.prepare(ctx, dev, "/dev/"+part); err != nil {
			return err
		}
	}
	return p.install(ctx, "/dev/"+part)
}

func (p *Partitioner) ensureMountPoint() error {
	if fsutil.Exists(p.fs, p.cfg.MountPoint) {
		p.log.WithField("path", p.cfg.MountPoint).Info("data mount exists")
		return nil
	}
	p.log.WithField("path", p.cfg.MountPoint).Info("creating data mount")
	if err := p.fs.MkdirAll(p.cfg.MountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	return nil
}

func (p *Partitioner) device() (blockdev.Device, error) {
	devs, err := p.probe.Devices()
	if err != nil {
		return blockdev.Device{}, err
	}
	matched := blockdev.Match(devs, p.patterns)
	switch len(matched) {
	case 0:
		return blockdev.Device{}, ErrNoBlockDevice
	case 1:
		return matched[0], nil
	default:
		names := make([]string, 0, len(matched))
		for _, d := range matched {
			names = append(names, d.Name)
		}
		return blockdev.Device{}, fmt.Errorf("%w: found %s", ErrMultipleBlockDevices, strings.Join(names, ", "))
	}
}

func (p *Partitioner) createPartition(ctx context.Context, dev blockdev.Device) error {
	devPath := "/dev/" + dev.Name
	if _, err := p.exec(ctx, "create partition", Abort, "parted", "-s", devPath, "mkpart", "p", "ext4", "3", "100%"); err != nil {
		return err
	}
	_, err := p.exec(ctx, "format first partition", Abort, "mkfs.ext4", "-F", "/dev/"+blockdev.PartitionName(dev.Name, 1))
	return err
}

// prepare mounts the partition and makes sure every data dir is on it,
// reformatting first when the device is fresh or marked for reset.
func (p *Partitioner) prepare(ctx context.Context, dev blockdev.Device, partPath string) error {
	mnt := p.cfg.MountPoint
	if _, err := p.exec(ctx, "mount data partition", Abort, "mount", partPath, mnt); err != nil {
		return err
	}

	if p.fresh() {
		p.log.WithField("device", dev.Name).Info("reset marker present or sentinel dir missing, formatting")
		if _, err := p.exec(ctx, "unmount before format", Abort, "umount", mnt); err != nil {
			return err
		}
		if _, err := p.exec(ctx, "initialize filesystem", Abort, "mkfs.ext4", "-F", partPath); err != nil {
			return err
		}
		if _, err := p.exec(ctx, "remount data partition", Abort, "mount", "-t", "ext4", partPath, mnt); err != nil {
			return err
		}

		nodeConfig, err := fsutil.JoinWithinRoot(p.cfg.HomeDir, p.cfg.NodeConfig)
		if err != nil {
			return err
		}
		if _, err := p.do("tune node config", Continue, func() error {
			return tuneNodeConfig(p.fs, nodeConfig, dev.SizeMB(), p.cfg.PruneThresholdMB)
		}); err != nil {
			return err
		}
		for _, dir := range p.cfg.DataDirs {
			if err := p.copyDir(ctx, dir); err != nil {
				return err
			}
		}
		if !p.onDevice("swap") {
			ok, err := p.do("move swap to data partition", Continue, func() error {
				return moveSwap(p.fs, p.cfg.SwapConfig, mnt)
			})
			if err != nil {
				return err
			}
			if ok && len(p.cfg.SwapRestart) > 0 {
				if _, err := p.exec(ctx, "restart swap", Continue, p.cfg.SwapRestart...); err != nil {
					return err
				}
			}
		}
	} else {
		p.log.Info("existing data found, copying only missing dirs")
		for _, dir := range p.cfg.DataDirs {
			if p.onDevice(dir) {
				continue
			}
			p.log.WithField("dir", dir).Info("dir missing on device")
			if err := p.copyDir(ctx, dir); err != nil {
				return err
			}
		}
	}

	_, err := p.exec(ctx, "unmount data partition", Continue, "umount", mnt)
	return err
}

// install mounts the data partition permanently and links the data dirs.
func (p *Partitioner) install(ctx context.Context, partPath string) error {
	mnt := p.cfg.MountPoint
	if !p.onDevice("lost+found") {
		if _, err := p.exec(ctx, "mount data partition", Abort, "mount", "-t", "ext4", partPath, mnt); err != nil {
			return err
		}
	}

	uuid, err := p.partitionUUID(ctx, partPath)
	if err != nil {
		return err
	}

	if _, err := p.exec(ctx, "set filesystem permissions", Continue, "chown", "-R", p.cfg.Owner, mnt); err != nil {
		return err
	}
	if _, err := p.exec(ctx, "unmount data partition", Continue, "umount", mnt); err != nil {
		return err
	}
	if _, err := p.do("update fstab", Abort, func() error {
		changed, err := appendFstab(p.fs, p.cfg.Fstab, uuid, mnt)
		if err == nil && !changed {
			p.log.WithField("uuid", uuid).Info("fstab entry already present")
		}
		return err
	}); err != nil {
		return err
	}
	if _, err := p.exec(ctx, "mount all", Continue, "mount", "-a"); err != nil {
		return err
	}

	for _, dir := range p.cfg.DataDirs {
		home, err := fsutil.JoinWithinRoot(p.cfg.HomeDir, dir)
		if err != nil {
			return err
		}
		data, err := fsutil.JoinWithinRoot(mnt, dir)
		if err != nil {
			return err
		}
		res, err := p.exec(ctx, "remove old "+dir, Continue, "rm", "-fr", home)
		if err != nil {
			return err
		}
		if !res.OK() {
			continue
		}
		if _, err := p.exec(ctx, "link "+dir, Continue, "ln", "-s", data, home); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partitioner) partitionUUID(ctx context.Context, partPath string) (string, error) {
	res, err := p.exec(ctx, "read partition uuid", Abort, "blkid", partPath)
	if err != nil {
		return "", err
	}
	info, perr := blockdev.ParseBlkid(res.Output)
	if perr != nil {
		if p.dryRun {
			return dryRunUUID, nil
		}
		return "", &StepError{Step: "read partition uuid", Err: perr}
	}
	return info.UUID, nil
}

func (p *Partitioner) copyDir(ctx context.Context, dir string) error {
	src, err := fsutil.JoinWithinRoot(p.cfg.HomeDir, dir)
	if err != nil {
		return err
	}
	_, err = p.exec(ctx, "copy "+dir, Continue, "cp", "-fr", src, p.cfg.MountPoint)
	return err
}

func (p *Partitioner) fresh() bool {
	if p.cfg.ResetMarker != "" && p.onDevice(p.cfg.ResetMarker) {
		return true
	}
	return !p.onDevice(p.cfg.SentinelDir)
}

func (p *Partitioner) onDevice(name string) bool {
	path, err := fsutil.JoinWithinRoot(p.cfg.MountPoint, name)
	if err != nil {
		return false
	}
	return fsutil.Exists(p.fs, path)
}

func (p *Partitioner) report(st, errText string) {
	if p.status == nil {
		return
	}
	e := status.Entry{ID: p.cfg.StatusID, Status: st, Error: errText}
	if err := p.status.Append(e); err != nil {
		p.log.WithError(err).Warn("record status")
	}
}

// errorCode maps a run error to the code the UI knows how to explain.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoBlockDevice):
		return "no-block-device"
	case errors.Is(err, ErrMultipleBlockDevices):
		return "multiple-block-devices"
	default:
		return "partition-failed"
	}
}
