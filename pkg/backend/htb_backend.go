package backend

import (
	"fmt"

	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/network"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const NameHTB = "tc-htb"

func HTBDescriptor(env *Env) Descriptor {
	return Descriptor{
		Name:      NameHTB,
		Direction: Upload,
		Tier:      Better,
		Locality:  false,
		Requires: []Prerequisite{
			RequireRoot(),
			RequireCgroup(env.Cgroups, types.Legacy),
			RequireModule("sch_htb"),
			RequireModule("cls_cgroup"),
			RequireEgressLink(env.Interfaces),
		},
		Summary: "HTB class per process on the egress links, matched by net_cls classid",
	}
}

type htbProc struct {
	handle *types.Handle
	limit  Limit
}

// HTBBackend 只能限制上传：cgroup 分类器依赖发送方 socket 的 classid，入方向拿不到
type HTBBackend struct {
	desc    Descriptor
	cgroups *cglimit.CgroupManager
	shaper  network.Shaper
	links   func() ([]netlink.Link, error)
	// active 已经装好根 qdisc 的网卡
	active []netlink.Link
	procs  map[int]*htbProc
}

func NewHTBBackend(desc Descriptor, env *Env) *HTBBackend {
	ifaces := env.Interfaces
	return &HTBBackend{
		desc:    desc,
		cgroups: env.Cgroups,
		shaper:  env.Shaper,
		links:   func() ([]netlink.Link, error) { return network.EgressLinks(ifaces) },
		procs:   make(map[int]*htbProc),
	}
}

func (b *HTBBackend) Descriptor() Descriptor { return b.desc }

// ensureRoots 第一个进程进来时在所有出口网卡上装根 qdisc，任一失败就把装好的删掉
func (b *HTBBackend) ensureRoots() error {
	if len(b.active) > 0 {
		return nil
	}
	links, err := b.links()
	if err != nil {
		return &UnavailableError{Backend: b.desc.Name, Direction: b.desc.Direction, Prerequisite: "egress link", Err: err}
	}
	for i, link := range links {
		if err := b.shaper.EnsureRoot(link); err != nil {
			for _, done := range links[:i] {
				if dErr := IgnoreGone(b.shaper.DeleteRoot(done), "qdisc on "+done.Attrs().Name); dErr != nil {
					log.Warnf("rollback root qdisc: %v", dErr)
				}
			}
			return &AttachmentError{Backend: b.desc.Name, Op: "install qdisc", Err: err}
		}
	}
	b.active = links
	log.Infof("htb root qdisc installed on %v", network.LinkNames(links))
	return nil
}

func (b *HTBBackend) Install(pid int, limit Limit) (err error) {
	if err := limit.Validate(); err != nil {
		return err
	}
	if limit.Filter != FilterAll {
		return errors.Wrapf(ErrInvalidLimit, "%s cannot filter by locality", b.desc.Name)
	}
	if p, ok := b.procs[pid]; ok {
		if err := b.setClasses(p.handle.ClassMinor(), limit); err != nil {
			return err
		}
		p.limit = limit
		log.Infof("htb limit of pid %d updated: %s", pid, limit)
		return nil
	}

	fresh := len(b.active) == 0
	if err := b.ensureRoots(); err != nil {
		return err
	}
	defer func() {
		if err != nil && fresh && len(b.procs) == 0 {
			b.releaseRoots()
		}
	}()

	h, err := b.cgroups.Acquire(pid, types.Legacy)
	if err != nil {
		if errors.Is(err, types.ErrUnavailable) {
			return &UnavailableError{Backend: b.desc.Name, Direction: b.desc.Direction, Prerequisite: "cgroup v1 net_cls", Err: err}
		}
		return errors.WithMessagef(err, "prepare cgroup of pid %d", pid)
	}
	if err = b.setClasses(h.ClassMinor(), limit); err != nil {
		if rErr := b.cgroups.Release(h); rErr != nil {
			log.Warnf("rollback cgroup of pid %d: %v", pid, rErr)
		}
		return err
	}
	b.procs[pid] = &htbProc{handle: h, limit: limit}
	log.Infof("htb limit installed on pid %d (%s): %s", pid, h, limit)
	return nil
}

// setClasses 在每块网卡上设置同一个 class，失败时删掉本次新建的
func (b *HTBBackend) setClasses(minor uint16, limit Limit) error {
	for i, link := range b.active {
		if err := b.shaper.SetClass(link, minor, limit.Rate, limit.Burst); err != nil {
			for _, done := range b.active[:i] {
				_ = IgnoreGone(b.shaper.DeleteClass(done, minor), "class on "+done.Attrs().Name)
			}
			return &AttachmentError{Backend: b.desc.Name, Op: "install class", Err: err}
		}
	}
	return nil
}

func (b *HTBBackend) Uninstall(pid int) error {
	p, ok := b.procs[pid]
	if !ok {
		return nil
	}
	delete(b.procs, pid)
	var firstErr error
	// 先把进程迁回原 cgroup，classid 失效后再删 class，避免包被送进一个不存在的 class
	if err := IgnoreGone(b.cgroups.Release(p.handle), fmt.Sprintf("cgroup of pid %d", pid)); err != nil {
		firstErr = err
	}
	for _, link := range b.active {
		err := IgnoreGone(b.shaper.DeleteClass(link, p.handle.ClassMinor()), "class on "+link.Attrs().Name)
		if err != nil && firstErr == nil {
			firstErr = &AttachmentError{Backend: b.desc.Name, Op: "delete class", Err: err}
		}
	}
	if firstErr == nil {
		log.Infof("htb limit removed from pid %d", pid)
	}
	return firstErr
}

func (b *HTBBackend) Governs() []int {
	return sortedPids(b.procs)
}

func (b *HTBBackend) Stats(pid int) (Stats, error) {
	p, ok := b.procs[pid]
	if !ok {
		return Stats{}, errors.Wrapf(ErrNotBound, "pid %d", pid)
	}
	var st Stats
	for _, link := range b.active {
		cs, err := b.shaper.ClassStats(link, p.handle.ClassMinor())
		if err != nil {
			return Stats{}, err
		}
		st.PacketsSeen += cs.Packets + cs.Drops
		st.BytesSeen += cs.Bytes
		st.PacketsDropped += cs.Drops
	}
	return st, nil
}

// Release 清掉剩余进程后删除根 qdisc，网卡已经不在了算成功
func (b *HTBBackend) Release() error {
	var firstErr error
	for _, pid := range b.Governs() {
		if err := b.Uninstall(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.releaseRoots(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (b *HTBBackend) releaseRoots() error {
	var firstErr error
	for _, link := range b.active {
		if err := IgnoreGone(b.shaper.DeleteRoot(link), "qdisc on "+link.Attrs().Name); err != nil && firstErr == nil {
			firstErr = &AttachmentError{Backend: b.desc.Name, Op: "delete qdisc", Err: err}
		}
	}
	if len(b.active) > 0 {
		log.Infof("htb root qdisc removed from %v", network.LinkNames(b.active))
	}
	b.active = nil
	return firstErr
}
