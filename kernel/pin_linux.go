//go:build linux

package kernel

import (
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	slog "github.com/vearne/simplelog"
	"golang.org/x/sys/unix"
)

// LoadPinned attaches to the maps the enforcement program pinned under dir.
// Loading and registering the program itself happens before this process
// starts.
func LoadPinned(dir string) (*Objects, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return nil, errors.Wrap(err, "stat pin directory")
	}
	if uint32(st.Type) != unix.BPF_FS_MAGIC {
		return nil, errors.Errorf("%v is not on a bpf filesystem", dir)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, errors.Wrap(err, "remove memlock rlimit")
	}

	var objs Objects
	targets := []struct {
		name string
		dst  **ebpf.Map
	}{
		{MapSignals, &objs.Signals},
		{MapCreateConnEvents, &objs.FlowCreated},
		{MapFreeConnEvents, &objs.FlowFreed},
		{MapConnections, &objs.Connections},
	}
	for _, t := range targets {
		path := filepath.Join(dir, t.name)
		m, err := ebpf.LoadPinnedMap(path, nil)
		if err != nil {
			objs.Close()
			return nil, errors.Wrapf(err, "load pinned map %v", path)
		}
		*t.dst = m
		slog.Debug("LoadPinned, map:%v, type:%v", path, m.Type())
	}

	if err := objs.Validate(); err != nil {
		objs.Close()
		return nil, err
	}
	return &objs, nil
}
