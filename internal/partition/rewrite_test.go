package partition

import (
	"testing"

	"github.com/spf13/afero"
)

func TestTuneNodeConfigSmallDevice(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/b.conf", []byte("prune=550\n  prune=1\n#txindex=1\n"), 0o600)
	if err := tuneNodeConfig(mem, "/b.conf", 64000, 512000); err != nil {
		t.Fatalf("tuneNodeConfig() error = %v", err)
	}
	got, _ := afero.ReadFile(mem, "/b.conf")
	if string(got) != "prune=32000\nprune=32000\n#txindex=1\n" {
		t.Fatalf("got %q", got)
	}
	st, _ := mem.Stat("/b.conf")
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", st.Mode().Perm())
	}
}

func TestTuneNodeConfigMissingFile(t *testing.T) {
	if err := tuneNodeConfig(afero.NewMemMapFs(), "/nope", 1, 2); err == nil {
		t.Fatalf("tuneNodeConfig() on missing file: error = nil")
	}
}

func TestMoveSwapIsIdempotent(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/swap", []byte("# comment\n#CONF_SWAPFILE=/var/swap\nCONF_SWAPSIZE=100\n"), 0o644)
	want := "# comment\nCONF_SWAPFILE=/mnt/data/swap\nCONF_SWAPSIZE=2000\n"
	for i := 0; i < 2; i++ {
		if err := moveSwap(mem, "/swap", "/mnt/data/"); err != nil {
			t.Fatalf("moveSwap() error = %v", err)
		}
		if got, _ := afero.ReadFile(mem, "/swap"); string(got) != want {
			t.Fatalf("pass %d: got %q", i, got)
		}
	}
}

func TestAppendFstab(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/fstab", []byte("proc /proc proc defaults 0 0"), 0o644)

	changed, err := appendFstab(mem, "/fstab", "abc", "/mnt/data")
	if err != nil || !changed {
		t.Fatalf("first append = %v, %v", changed, err)
	}
	changed, err = appendFstab(mem, "/fstab", "abc", "/mnt/data")
	if err != nil || changed {
		t.Fatalf("second append = %v, %v", changed, err)
	}
	got, _ := afero.ReadFile(mem, "/fstab")
	if string(got) != "proc /proc proc defaults 0 0\nUUID=abc /mnt/data ext4 defaults,noatime 0 0\n" {
		t.Fatalf("fstab = %q", got)
	}
}

func TestAppendFstabCreatesFile(t *testing.T) {
	mem := afero.NewMemMapFs()
	if _, err := appendFstab(mem, "/fstab", "abc", "/mnt/data"); err != nil {
		t.Fatalf("appendFstab() error = %v", err)
	}
	if ok, _ := afero.Exists(mem, "/fstab"); !ok {
		t.Fatalf("fstab not created")
	}
}
