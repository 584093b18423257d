package backend

import (
	"fmt"
	"testing"

	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNft(t *testing.T) (*NftBackend, *fakeNft, *fakeSubsystem) {
	env, v2, _ := newTestEnv()
	env.Locality = bpflimit.DefaultLocality()
	b := NewNftBackend(NftDescriptor(env, Upload), env)
	return b, env.Nft.(*fakeNft), v2
}

func TestNftBackend_InstallUpdateUninstall(t *testing.T) {
	b, nft, v2 := newTestNft(t)

	require.NoError(t, b.Install(12, Limit{Rate: 1000, Filter: FilterInternet}))
	require.Len(t, nft.scripts, 2, "table setup + process chain")
	assert.Contains(t, nft.scripts[0], "table inet bwgov_up {")
	assert.Contains(t, nft.scripts[0], "10.0.0.0/8")
	assert.Contains(t, nft.scripts[1], `jump p12 comment "bwgov:12"`)
	assert.Contains(t, nft.scripts[1], "burst 98304 bytes")
	assert.Equal(t, []int{12}, b.Governs())

	require.NoError(t, b.Install(12, Limit{Rate: 2000}))
	require.Len(t, nft.scripts, 3)
	assert.NotContains(t, nft.scripts[2], "jump", "update keeps the existing jump rule")
	assert.Contains(t, nft.scripts[2], "limit rate over 2000 bytes/second")
	assert.Len(t, v2.created, 1)

	nft.listing[fmt.Sprint([]string{"chain", "inet", "bwgov_up", "output"})] = outputListing
	require.NoError(t, b.Uninstall(12))
	assert.Equal(t, "delete rule inet bwgov_up output handle 7\ndelete chain inet bwgov_up p12\n", nft.scripts[3])
	assert.Equal(t, []int{12}, v2.removed)
	assert.Empty(t, b.Governs())

	require.NoError(t, b.Uninstall(12), "second removal is a no-op")
	assert.Len(t, nft.scripts, 4)

	require.NoError(t, b.Release())
	assert.Equal(t, "delete table inet bwgov_up\n", nft.scripts[4])
	require.NoError(t, b.Release())
	assert.Len(t, nft.scripts, 5)
}

func TestNftBackend_RollbackOnRejectedRules(t *testing.T) {
	b, nft, v2 := newTestNft(t)
	nft.failOn = "jump p99"

	err := b.Install(99, Limit{Rate: 1000})
	var ae *AttachmentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "install rules", ae.Op)
	assert.Empty(t, b.Governs())
	assert.Equal(t, []int{99}, v2.removed, "cgroup rolled back")
}

func TestNftBackend_TableAlreadyGone(t *testing.T) {
	b, _, v2 := newTestNft(t)
	require.NoError(t, b.Install(5, Limit{Rate: 1000}))
	// 没有准备 listing：fakeNft 返回 No such file or directory，相当于表被别人删掉
	require.NoError(t, b.Uninstall(5))
	assert.Equal(t, []int{5}, v2.removed)
}

func TestNftBackend_Stats(t *testing.T) {
	b, nft, _ := newTestNft(t)
	_, err := b.Stats(3)
	assert.True(t, errors.Is(err, ErrNotBound))

	require.NoError(t, b.Install(3, Limit{Rate: 1000}))
	nft.listing[fmt.Sprint([]string{"chain", "inet", "bwgov_up", "p3"})] =
		"counter packets 10 bytes 800\nlimit rate over 1000 bytes/second counter packets 1 bytes 80 drop"
	st, err := b.Stats(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.PacketsSeen)
	assert.Equal(t, uint64(80), st.BytesDropped)
}
