package backend

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func newTestHTB(links ...netlink.Link) (*HTBBackend, *fakeShaper, *fakeSubsystem) {
	env, _, v1 := newTestEnv()
	b := NewHTBBackend(HTBDescriptor(env), env)
	b.links = func() ([]netlink.Link, error) {
		if len(links) == 0 {
			return nil, errors.New("no link carries a default route")
		}
		return links, nil
	}
	return b, env.Shaper.(*fakeShaper), v1
}

func TestHTBBackend_Lifecycle(t *testing.T) {
	b, shaper, v1 := newTestHTB(dummyLink("eth0", 2), dummyLink("wlan0", 3))

	require.NoError(t, b.Install(100, Limit{Rate: 100000}))
	require.NoError(t, b.Install(200, Limit{Rate: 50000}))
	assert.Equal(t, map[string]bool{"eth0": true, "wlan0": true}, shaper.roots)
	assert.Equal(t, map[string]uint64{
		"eth0/1:1": 100000, "wlan0/1:1": 100000,
		"eth0/1:2": 50000, "wlan0/1:2": 50000,
	}, shaper.classes)

	st, err := b.Stats(100)
	require.NoError(t, err)
	assert.Equal(t, Stats{PacketsSeen: 24, BytesSeen: 2000, PacketsDropped: 4}, st)

	require.NoError(t, b.Install(100, Limit{Rate: 7000}))
	assert.Equal(t, uint64(7000), shaper.classes["eth0/1:1"])

	require.NoError(t, b.Uninstall(100))
	require.NoError(t, b.Uninstall(100))
	assert.Equal(t, []int{100}, v1.removed)
	assert.NotContains(t, shaper.classes, "eth0/1:1")
	assert.Equal(t, []int{200}, b.Governs())

	require.NoError(t, b.Release())
	assert.Empty(t, shaper.roots)
	assert.Empty(t, shaper.classes)
	assert.Empty(t, b.Governs())
}

func TestHTBBackend_RejectsLocalityFilter(t *testing.T) {
	b, shaper, _ := newTestHTB(dummyLink("eth0", 2))
	err := b.Install(1, Limit{Rate: 1000, Filter: FilterLocal})
	assert.True(t, errors.Is(err, ErrInvalidLimit))
	assert.Empty(t, shaper.roots, "no kernel call for an incompatible filter")
}

func TestHTBBackend_RollbackOnClassFailure(t *testing.T) {
	b, shaper, v1 := newTestHTB(dummyLink("eth0", 2), dummyLink("wlan0", 3))
	shaper.failSet = "wlan0"

	err := b.Install(100, Limit{Rate: 1000})
	assert.True(t, IsAttachment(err))
	assert.Empty(t, shaper.classes)
	assert.Empty(t, shaper.roots, "root qdisc removed when no process is left")
	assert.Equal(t, []int{100}, v1.removed)
	assert.Empty(t, b.Governs())
}

func TestHTBBackend_NoEgressLink(t *testing.T) {
	b, _, v1 := newTestHTB()
	err := b.Install(100, Limit{Rate: 1000})
	assert.True(t, IsUnavailable(err))
	assert.Empty(t, v1.created)
}

func TestHTBBackend_LinkGoneAtTeardown(t *testing.T) {
	b, shaper, v1 := newTestHTB(dummyLink("eth0", 2))
	require.NoError(t, b.Install(100, Limit{Rate: 1000}))
	shaper.gone = true
	require.NoError(t, b.Uninstall(100))
	require.NoError(t, b.Release())
	assert.Equal(t, []int{100}, v1.removed)
}
