package backend

import (
	"testing"

	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAttacher struct {
	dir       bpflimit.Direction
	cfg       bpflimit.Config
	path      string
	attachErr error
	closed    bool
}

func (a *fakeAttacher) Configure(cfg bpflimit.Config) error {
	a.cfg = cfg
	return nil
}

func (a *fakeAttacher) Attach(path string, dir bpflimit.Direction) error {
	if dir != a.dir {
		return bpflimit.ErrDirectionMismatch
	}
	if a.attachErr != nil {
		return a.attachErr
	}
	a.path = path
	return nil
}

func (a *fakeAttacher) Stats() (bpflimit.Stats, error) {
	return bpflimit.Stats{PacketsSeen: 5, BytesSeen: 500, Invocations: 6, LookupMisses: 1}, nil
}

func (a *fakeAttacher) Close() error {
	a.closed = true
	return nil
}

func newTestEbpf(dir Direction) (*EbpfBackend, *[]*fakeAttacher, *fakeSubsystem) {
	env, v2, _ := newTestEnv()
	b := NewEbpfBackend(EbpfDescriptor(env, dir), env)
	var loaded []*fakeAttacher
	b.load = func(d bpflimit.Direction, loc *bpflimit.Locality) (attacher, error) {
		a := &fakeAttacher{dir: d}
		loaded = append(loaded, a)
		return a, nil
	}
	return b, &loaded, v2
}

func TestEbpfBackend_Lifecycle(t *testing.T) {
	b, loaded, v2 := newTestEbpf(Download)

	require.NoError(t, b.Install(42, Limit{Rate: 50000, Filter: FilterLocal}))
	require.Len(t, *loaded, 1)
	a := (*loaded)[0]
	assert.Equal(t, bpflimit.Ingress, a.dir, "download attaches at ingress")
	assert.Equal(t, "/fake/bwgov/pid_42", a.path)
	assert.Equal(t, uint32(bpflimit.ModeLocalOnly), a.cfg.Mode)
	assert.Equal(t, uint64(50000), a.cfg.Rate)

	// 更新只改配置，不重新加载
	require.NoError(t, b.Install(42, Limit{Rate: 80000}))
	assert.Len(t, *loaded, 1)
	assert.Equal(t, uint32(bpflimit.ModeAll), a.cfg.Mode)

	st, err := b.Stats(42)
	require.NoError(t, err)
	assert.Equal(t, Stats{PacketsSeen: 5, BytesSeen: 500, Invocations: 6, LookupMisses: 1}, st)

	require.NoError(t, b.Uninstall(42))
	assert.True(t, a.closed)
	assert.Equal(t, []int{42}, v2.removed)
	require.NoError(t, b.Uninstall(42))
	assert.Equal(t, []int{42}, v2.removed)
}

func TestEbpfBackend_AttachRejected(t *testing.T) {
	b, loaded, v2 := newTestEbpf(Upload)
	b.load = func(d bpflimit.Direction, loc *bpflimit.Locality) (attacher, error) {
		a := &fakeAttacher{dir: d, attachErr: errors.New("operation not permitted")}
		*loaded = append(*loaded, a)
		return a, nil
	}
	err := b.Install(7, Limit{Rate: 1000})
	var ae *AttachmentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "attach", ae.Op)
	assert.True(t, (*loaded)[0].closed, "program released")
	assert.Equal(t, []int{7}, v2.removed, "cgroup rolled back")
	assert.Empty(t, b.Governs())
}

func TestEbpfBackend_KernelUnsupported(t *testing.T) {
	b, _, v2 := newTestEbpf(Upload)
	b.load = func(bpflimit.Direction, *bpflimit.Locality) (attacher, error) {
		return nil, &bpflimit.KernelError{Op: "probe", Err: errors.New("not supported")}
	}
	err := b.Install(7, Limit{Rate: 1000})
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, []int{7}, v2.removed)
}

func TestEbpfBackend_CgroupUnavailable(t *testing.T) {
	b, _, v2 := newTestEbpf(Upload)
	v2.avail = errors.Wrap(types.ErrUnavailable, "not mounted")
	err := b.Install(7, Limit{Rate: 1000})
	assert.True(t, IsUnavailable(err))
}

func TestEbpfBackend_InvalidLimit(t *testing.T) {
	b, loaded, _ := newTestEbpf(Upload)
	assert.True(t, errors.Is(b.Install(7, Limit{}), ErrInvalidLimit))
	assert.Empty(t, *loaded)
}
