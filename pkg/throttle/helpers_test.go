package throttle

import (
	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/pkg/errors"
)

type fakeBackend struct {
	desc       backend.Descriptor
	procs      map[int]backend.Limit
	installErr error
	released   int
}

func (f *fakeBackend) Descriptor() backend.Descriptor { return f.desc }

func (f *fakeBackend) Install(pid int, limit backend.Limit) error {
	if f.installErr != nil {
		return f.installErr
	}
	if !f.desc.Supports(limit.Filter) {
		return errors.New("filter reached a backend that cannot enforce it")
	}
	f.procs[pid] = limit
	return nil
}

func (f *fakeBackend) Uninstall(pid int) error {
	delete(f.procs, pid)
	return nil
}

func (f *fakeBackend) Governs() []int {
	var pids []int
	for pid := range f.procs {
		pids = append(pids, pid)
	}
	return pids
}

func (f *fakeBackend) Stats(pid int) (backend.Stats, error) {
	if _, ok := f.procs[pid]; !ok {
		return backend.Stats{}, backend.ErrNotBound
	}
	return backend.Stats{PacketsSeen: uint64(pid)}, nil
}

func (f *fakeBackend) Release() error {
	f.released++
	return nil
}

type testHost struct {
	registry *backend.Registry
	// fakes 已经构造出来的实例，key 为 name/direction
	fakes map[string]*fakeBackend
	// built 每个后端被构造的次数
	built map[string]int
	// down 运行条件检查失败的后端
	down map[string]error
}

// newTestHost 注册一组假后端，tier 按参数顺序递减
func newTestHost(descs ...backend.Descriptor) *testHost {
	h := &testHost{
		registry: backend.NewRegistry(),
		fakes:    map[string]*fakeBackend{},
		built:    map[string]int{},
		down:     map[string]error{},
	}
	for _, d := range descs {
		key := d.String()
		d.Requires = []backend.Prerequisite{{
			Name:  "probe",
			Check: func() error { return h.down[key] },
		}}
		h.registry.Register(d, func(d backend.Descriptor) (backend.Backend, error) {
			h.built[key]++
			f := &fakeBackend{desc: d, procs: map[int]backend.Limit{}}
			h.fakes[key] = f
			return f, nil
		})
	}
	return h
}

func desc(name string, dir backend.Direction, tier backend.Tier, locality bool) backend.Descriptor {
	return backend.Descriptor{Name: name, Direction: dir, Tier: tier, Locality: locality}
}
