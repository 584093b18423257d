package backend

import (
	"fmt"
	"strings"

	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/network"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type fakeSubsystem struct {
	kind    types.Kind
	avail   error
	created map[int]*types.Handle
	removed []int
}

func (f *fakeSubsystem) Name() string     { return f.kind.String() }
func (f *fakeSubsystem) Kind() types.Kind { return f.kind }
func (f *fakeSubsystem) Available() error { return f.avail }
func (f *fakeSubsystem) Remove(h *types.Handle) error {
	f.removed = append(f.removed, h.Pid)
	delete(f.created, h.Pid)
	return nil
}
func (f *fakeSubsystem) Create(pid int, classID uint32) (*types.Handle, error) {
	rel := fmt.Sprintf("bwgov/pid_%d", pid)
	h := &types.Handle{Pid: pid, Kind: f.kind, ClassID: classID, Path: "/fake/" + rel, RelPath: rel}
	f.created[pid] = h
	return h, nil
}

type fakeShaper struct {
	roots   map[string]bool
	classes map[string]uint64
	failSet string
	gone    bool
}

func newFakeShaper() *fakeShaper {
	return &fakeShaper{roots: map[string]bool{}, classes: map[string]uint64{}}
}

func classKey(link netlink.Link, minor uint16) string {
	return fmt.Sprintf("%s/1:%x", link.Attrs().Name, minor)
}

func (s *fakeShaper) EnsureRoot(link netlink.Link) error {
	s.roots[link.Attrs().Name] = true
	return nil
}

func (s *fakeShaper) DeleteRoot(link netlink.Link) error {
	if s.gone {
		return unix.ENODEV
	}
	delete(s.roots, link.Attrs().Name)
	return nil
}

func (s *fakeShaper) SetClass(link netlink.Link, minor uint16, rate, burst uint64) error {
	if link.Attrs().Name == s.failSet {
		return errors.New("invalid argument")
	}
	s.classes[classKey(link, minor)] = rate
	return nil
}

func (s *fakeShaper) DeleteClass(link netlink.Link, minor uint16) error {
	if s.gone {
		return unix.ENODEV
	}
	delete(s.classes, classKey(link, minor))
	return nil
}

func (s *fakeShaper) ClassStats(link netlink.Link, minor uint16) (network.ClassStats, error) {
	return network.ClassStats{Packets: 10, Bytes: 1000, Drops: 2}, nil
}

type fakeNft struct {
	scripts []string
	listing map[string]string
	failOn  string
}

func (n *fakeNft) Apply(script string) error {
	if n.failOn != "" && containsLine(script, n.failOn) {
		return errors.New("Error: syntax error")
	}
	n.scripts = append(n.scripts, script)
	return nil
}

func (n *fakeNft) List(args ...string) (string, error) {
	key := fmt.Sprint(args)
	out, ok := n.listing[key]
	if !ok {
		return "", errors.New("Error: No such file or directory")
	}
	return out, nil
}

func containsLine(script, substr string) bool {
	return strings.Contains(script, substr)
}

func dummyLink(name string, index int) netlink.Link {
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index}}
}

// newTestEnv 两代 cgroup 都用假的 subsystem
func newTestEnv() (*Env, *fakeSubsystem, *fakeSubsystem) {
	v2 := &fakeSubsystem{kind: types.Unified, created: map[int]*types.Handle{}}
	v1 := &fakeSubsystem{kind: types.Legacy, created: map[int]*types.Handle{}}
	env := &Env{
		Cgroups: cglimit.NewCgroupManager(v2, v1),
		Shaper:  newFakeShaper(),
		Nft:     &fakeNft{listing: map[string]string{}},
	}
	return env, v2, v1
}
