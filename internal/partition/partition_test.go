package partition

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"homebox/internal/config"
	"homebox/internal/logging"
	"homebox/internal/partition/blockdev"
	"homebox/internal/runner"
	"homebox/internal/status"
)

const (
	statusPath = "/var/lib/homebox/status"
	gb         = 1000 * 1000 * 1000
)

// fakeProbe returns its snapshots in order, repeating the last one.
type fakeProbe struct {
	snapshots [][]blockdev.Device
	calls     int
}

func (f *fakeProbe) Devices() ([]blockdev.Device, error) {
	i := f.calls
	if i >= len(f.snapshots) {
		i = len(f.snapshots) - 1
	}
	f.calls++
	return f.snapshots[i], nil
}

// fakeRunner records commands and fails those listed in fail.
type fakeRunner struct {
	cmds []string
	fail map[string]runner.Kind
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) runner.Result {
	argv := append([]string{name}, args...)
	line := strings.Join(argv, " ")
	f.cmds = append(f.cmds, line)
	res := runner.Result{Argv: argv}
	if kind, ok := f.fail[line]; ok {
		res.Kind = kind
		res.ExitCode = 1
		return res
	}
	if name == "blkid" {
		res.Output = []byte(args[0] + `: UUID="5c1e-77aa" TYPE="ext4"` + "\n")
	}
	return res
}

func (f *fakeRunner) ran(line string) bool {
	for _, c := range f.cmds {
		if c == line {
			return true
		}
	}
	return false
}

func (f *fakeRunner) count(prefix string) int {
	n := 0
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fixture struct {
	mem    afero.Fs
	run    *fakeRunner
	probe  *fakeProbe
	store  *status.Store
	cfg    config.Partition
	euid   int
	dryRun bool
}

func newFixture(t *testing.T, snapshots ...[]blockdev.Device) *fixture {
	t.Helper()
	mem := afero.NewMemMapFs()
	cfg := config.Default().Partition
	seed := map[string]string{
		"/home/homebox/bitcoin/bitcoin.conf": "server=1\nprune=550\n#txindex=1\n",
		"/etc/dphys-swapfile":                "#CONF_SWAPFILE=/var/swap\nCONF_SWAPSIZE=100\n",
		"/etc/fstab":                         "proc /proc proc defaults 0 0\n",
	}
	for path, content := range seed {
		if err := afero.WriteFile(mem, path, []byte(content), 0o644); err != nil {
			t.Fatalf("seed %s: %v", path, err)
		}
	}
	return &fixture{
		mem:   mem,
		run:   &fakeRunner{fail: map[string]runner.Kind{}},
		probe: &fakeProbe{snapshots: snapshots},
		store: status.New(mem, statusPath),
		cfg:   cfg,
	}
}

func (f *fixture) partitioner(t *testing.T) *Partitioner {
	t.Helper()
	p, err := New(Options{
		Config: f.cfg,
		Fs:     f.mem,
		Runner: f.run,
		Probe:  f.probe,
		Status: f.store,
		DryRun: f.dryRun,
		Logger: logging.Discard(),
		Euid:   func() int { return f.euid },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	b, err := afero.ReadFile(f.mem, path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func (f *fixture) lastStatus(t *testing.T) status.Entry {
	t.Helper()
	entries, err := f.store.Parse()
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	for _, e := range entries {
		if e.ID == f.cfg.StatusID {
			return e
		}
	}
	t.Fatalf("no %s status entry in %+v", f.cfg.StatusID, entries)
	return status.Entry{}
}

var (
	bareDisk        = []blockdev.Device{{Name: "mmcblk0", SizeBytes: 32 * gb}, {Name: "sda", SizeBytes: 256 * gb}}
	partitionedDisk = []blockdev.Device{
		{Name: "mmcblk0", SizeBytes: 32 * gb, Partitions: []blockdev.Partition{{Name: "mmcblk0p1"}}},
		{Name: "sda", SizeBytes: 256 * gb, Partitions: []blockdev.Partition{{Name: "sda1", SizeBytes: 256 * gb}}},
	}
)

func TestRunRequiresRoot(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	f.euid = 1000
	err := f.partitioner(t).Run(context.Background())
	if !errors.Is(err, ErrNotRoot) {
		t.Fatalf("Run() error = %v, want ErrNotRoot", err)
	}
	if len(f.run.cmds) != 0 {
		t.Fatalf("commands ran as non-root: %v", f.run.cmds)
	}
}

func TestRunDeviceCountPreconditions(t *testing.T) {
	tests := []struct {
		name     string
		devs     []blockdev.Device
		wantErr  error
		wantCode string
	}{
		{"none", []blockdev.Device{{Name: "mmcblk0"}}, ErrNoBlockDevice, "no-block-device"},
		{"two", []blockdev.Device{{Name: "sda"}, {Name: "sdb"}}, ErrMultipleBlockDevices, "multiple-block-devices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.devs)
			err := f.partitioner(t).Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if len(f.run.cmds) != 0 {
				t.Fatalf("commands ran: %v", f.run.cmds)
			}
			if got := f.lastStatus(t); got.Status != status.Errored || got.Error != tt.wantCode {
				t.Fatalf("status = %+v, want errored:%s", got, tt.wantCode)
			}
			if ok, _ := afero.DirExists(f.mem, "/mnt/data"); !ok {
				t.Fatalf("mount point not created")
			}
		})
	}
}

func TestRunFreshDevice(t *testing.T) {
	f := newFixture(t, bareDisk, partitionedDisk)
	if err := f.partitioner(t).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, want := range []string{
		"parted -s /dev/sda mkpart p ext4 3 100%",
		"mkfs.ext4 -F /dev/sda1",
		"mount /dev/sda1 /mnt/data",
		"umount /mnt/data",
		"mount -t ext4 /dev/sda1 /mnt/data",
		"cp -fr /home/homebox/secrets /mnt/data",
		"cp -fr /home/homebox/nginx /mnt/data",
		"/etc/init.d/dphys-swapfile restart",
		"blkid /dev/sda1",
		"chown -R 1000:1000 /mnt/data",
		"mount -a",
		"rm -fr /home/homebox/db",
		"ln -s /mnt/data/db /home/homebox/db",
	} {
		if !f.run.ran(want) {
			t.Fatalf("missing command %q in %v", want, f.run.cmds)
		}
	}
	if n := f.run.count("cp -fr"); n != 6 {
		t.Fatalf("copied %d dirs, want 6", n)
	}
	if n := f.run.count("ln -s"); n != 6 {
		t.Fatalf("linked %d dirs, want 6", n)
	}

	if got := f.read(t, "/home/homebox/bitcoin/bitcoin.conf"); got != "server=1\nprune=128000\n#txindex=1\n" {
		t.Fatalf("node config = %q", got)
	}
	if got := f.read(t, "/etc/dphys-swapfile"); got != "CONF_SWAPFILE=/mnt/data/swap\nCONF_SWAPSIZE=2000\n" {
		t.Fatalf("swap config = %q", got)
	}
	wantFstab := "proc /proc proc defaults 0 0\nUUID=5c1e-77aa /mnt/data ext4 defaults,noatime 0 0\n"
	if got := f.read(t, "/etc/fstab"); got != wantFstab {
		t.Fatalf("fstab = %q", got)
	}
	if got := f.lastStatus(t); got.Status != status.Success {
		t.Fatalf("status = %+v, want success", got)
	}
}

func TestRunLargeDeviceEnablesTxindex(t *testing.T) {
	big := []blockdev.Device{{Name: "sda", SizeBytes: 1000 * gb, Partitions: []blockdev.Partition{{Name: "sda1"}}}}
	f := newFixture(t, big)
	if err := f.partitioner(t).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.run.ran("parted -s /dev/sda mkpart p ext4 3 100%") {
		t.Fatalf("partitioned an already partitioned device")
	}
	if got := f.read(t, "/home/homebox/bitcoin/bitcoin.conf"); got != "server=1\n#prune=550\ntxindex=1\n" {
		t.Fatalf("node config = %q", got)
	}
}

func TestRunPreservesExistingData(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	for _, dir := range []string{"/mnt/data/bitcoin", "/mnt/data/secrets", "/mnt/data/swap"} {
		if err := f.mem.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := f.partitioner(t).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.run.count("mkfs.ext4") != 0 {
		t.Fatalf("formatted a device with existing data: %v", f.run.cmds)
	}
	if f.run.ran("cp -fr /home/homebox/bitcoin /mnt/data") || f.run.ran("cp -fr /home/homebox/secrets /mnt/data") {
		t.Fatalf("copied a dir that already exists on the device")
	}
	if n := f.run.count("cp -fr"); n != 4 {
		t.Fatalf("copied %d dirs, want 4", n)
	}
	if got := f.read(t, "/home/homebox/bitcoin/bitcoin.conf"); !strings.Contains(got, "prune=550") {
		t.Fatalf("node config changed on preserve path: %q", got)
	}
}

func TestRunResetMarkerForcesFormat(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	_ = f.mem.MkdirAll("/mnt/data/bitcoin", 0o755)
	_ = afero.WriteFile(f.mem, "/mnt/data/.rekt", nil, 0o644)
	if err := f.partitioner(t).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !f.run.ran("mkfs.ext4 -F /dev/sda1") {
		t.Fatalf("reset marker did not trigger a format: %v", f.run.cmds)
	}
}

func TestRunFstabIsIdempotent(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	for i := 0; i < 2; i++ {
		if err := f.partitioner(t).Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := strings.Count(f.read(t, "/etc/fstab"), "UUID=5c1e-77aa"); got != 1 {
		t.Fatalf("fstab has %d entries for the partition, want 1", got)
	}
}

func TestRunAbortStep(t *testing.T) {
	f := newFixture(t, bareDisk)
	f.run.fail["parted -s /dev/sda mkpart p ext4 3 100%"] = runner.KindExit
	err := f.partitioner(t).Run(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "create partition" {
		t.Fatalf("Run() error = %v, want StepError for create partition", err)
	}
	if f.run.count("mkfs.ext4") != 0 {
		t.Fatalf("continued after an aborting step: %v", f.run.cmds)
	}
	if got := f.lastStatus(t); got.Status != status.Errored || got.Error != "partition-failed" {
		t.Fatalf("status = %+v", got)
	}
}

func TestRunContinueStep(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	f.run.fail["chown -R 1000:1000 /mnt/data"] = runner.KindExit
	f.run.fail["rm -fr /home/homebox/tor"] = runner.KindNotFound
	if err := f.partitioner(t).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if !f.run.ran("mount -a") {
		t.Fatalf("run stopped after a continue step: %v", f.run.cmds)
	}
	if f.run.ran("ln -s /mnt/data/tor /home/homebox/tor") {
		t.Fatalf("linked tor although removing it failed")
	}
	if !f.run.ran("ln -s /mnt/data/lnd /home/homebox/lnd") {
		t.Fatalf("stopped linking after one failure")
	}
}

func TestRunDryRunUsesPlaceholderUUID(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	f.dryRun = true
	p := f.partitioner(t)
	p.runner = runner.Func(func(ctx context.Context, name string, args ...string) runner.Result {
		return runner.Result{Argv: append([]string{name}, args...)}
	})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(f.read(t, "/etc/fstab"), "UUID="+dryRunUUID) {
		t.Fatalf("fstab = %q", f.read(t, "/etc/fstab"))
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t, partitionedDisk)
	f.cfg.DevicePatterns = []string{"("}
	if _, err := New(Options{Config: f.cfg, Fs: f.mem, Runner: f.run, Probe: f.probe}); err == nil {
		t.Fatalf("New() with bad pattern: error = nil")
	}
}
