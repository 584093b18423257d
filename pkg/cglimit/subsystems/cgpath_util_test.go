package subsystems

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMountinfo = `22 28 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
30 22 0:26 / /sys/fs/cgroup ro,nosuid,nodev,noexec shared:9 - tmpfs tmpfs ro,mode=755
31 30 0:27 / /sys/fs/cgroup/unified rw,nosuid,nodev,noexec,relatime shared:10 - cgroup2 cgroup2 rw,nsdelegate
40 30 0:36 / /sys/fs/cgroup/net_cls,net_prio rw,nosuid,nodev,noexec,relatime shared:19 - cgroup cgroup rw,net_cls,net_prio
41 30 0:37 / /sys/fs/cgroup/memory rw,nosuid,nodev,noexec,relatime shared:20 - cgroup cgroup rw,memory
broken line
`

func TestParseMountinfo(t *testing.T) {
	entries, err := parseMountinfo(strings.NewReader(sampleMountinfo))
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "/sys/fs/cgroup/unified", entries[2].MountPoint)
	assert.Equal(t, "cgroup2", entries[2].FsType)
	assert.Equal(t, []string{"rw", "net_cls", "net_prio"}, entries[3].SuperOpts)
}

func TestFindMountpoints(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mountinfo")
	require.NoError(t, os.WriteFile(p, []byte(sampleMountinfo), 0644))
	old := mountinfoPath
	mountinfoPath = p
	defer func() { mountinfoPath = old }()

	assert.Equal(t, "/sys/fs/cgroup/net_cls,net_prio", findCgroupMountpoint("net_cls"))
	assert.Equal(t, "/sys/fs/cgroup/memory", findCgroupMountpoint("memory"))
	assert.Equal(t, "", findCgroupMountpoint("pids"))
	assert.Equal(t, "/sys/fs/cgroup/unified", findUnifiedMountpoint())
}

func TestParseProcCgroup(t *testing.T) {
	content := "12:net_cls,net_prio:/user.slice\n3:memory:/user.slice/user-1000.slice\n0::/user.slice/user-1000.slice/session-2.scope\n"
	v1, err := parseProcCgroup(strings.NewReader(content), "net_cls")
	require.NoError(t, err)
	assert.Equal(t, "/user.slice", v1)

	v2, err := parseProcCgroup(strings.NewReader(content), "")
	require.NoError(t, err)
	assert.Equal(t, "/user.slice/user-1000.slice/session-2.scope", v2)

	_, err = parseProcCgroup(strings.NewReader(content), "pids")
	assert.Error(t, err)
}

func fakeProc(t *testing.T, pid int, content string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, strconv.Itoa(pid)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(pid), "cgroup"), []byte(content), 0644))
	old := procRoot
	procRoot = dir
	t.Cleanup(func() { procRoot = old })
}

func TestNetClsSubSystem_Create(t *testing.T) {
	fakeProc(t, 4242, "5:net_cls,net_prio:/\n0::/init.scope\n")
	root := t.TempDir()
	s := &NetClsSubSystem{Root: root}
	require.NoError(t, s.Available())

	h, err := s.Create(4242, types.MakeClassID(1, 7))
	require.NoError(t, err)
	assert.Equal(t, types.Legacy, h.Kind)
	assert.Equal(t, filepath.Join(root, "bwgov", "pid_4242"), h.Path)
	assert.Equal(t, "bwgov/pid_4242", h.RelPath)
	assert.Equal(t, root, h.Origin)

	classid, err := os.ReadFile(filepath.Join(h.Path, types.NetClsClassID))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(0x10007), string(classid))
	procs, err := os.ReadFile(filepath.Join(h.Path, types.CgroupProcs))
	require.NoError(t, err)
	assert.Equal(t, "4242", string(procs))

	_, err = s.Create(4242, 0)
	assert.Error(t, err, "legacy generation needs a classid")
}

func TestUnifiedSubSystem_Create(t *testing.T) {
	fakeProc(t, 77, "0::/user.slice\n")
	root := t.TempDir()
	s := &UnifiedSubSystem{Root: root, SkipMagicCheck: true}
	require.NoError(t, s.Available())

	h, err := s.Create(77, 0)
	require.NoError(t, err)
	assert.Equal(t, types.Unified, h.Kind)
	assert.Equal(t, filepath.Join(root, "user.slice"), h.Origin)
	_, err = os.Stat(filepath.Join(h.Path, types.CgroupProcs))
	assert.NoError(t, err)
}

func TestCreateRollbackWhenProcessUnknown(t *testing.T) {
	fakeProc(t, 1, "0::/\n")
	root := t.TempDir()
	s := &UnifiedSubSystem{Root: root, SkipMagicCheck: true}
	// pid 2 在假的 /proc 里不存在
	_, err := s.Create(2, 0)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "bwgov", "pid_2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveAlreadyGone(t *testing.T) {
	root := t.TempDir()
	s := &UnifiedSubSystem{Root: root, SkipMagicCheck: true}
	h := &types.Handle{Pid: 9, Kind: types.Unified, Path: filepath.Join(root, "bwgov", "pid_9")}
	assert.NoError(t, s.Remove(h), "a cgroup removed by someone else is not an error")
}

func TestAvailable_NotMounted(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mountinfo")
	require.NoError(t, os.WriteFile(p, []byte("22 28 0:21 / /sys rw shared:7 - sysfs sysfs rw\n"), 0644))
	old := mountinfoPath
	mountinfoPath = p
	defer func() { mountinfoPath = old }()

	err := (&NetClsSubSystem{}).Available()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.ErrorIs(t, (&UnifiedSubSystem{}).Available(), types.ErrUnavailable)
}
