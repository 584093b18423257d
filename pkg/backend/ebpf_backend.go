package backend

import (
	"fmt"
	"sort"

	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const NameEBPF = "ebpf"

// attacher bpflimit.Attachment 的行为，测试时替换
type attacher interface {
	Configure(cfg bpflimit.Config) error
	Attach(cgroupPath string, dir bpflimit.Direction) error
	Stats() (bpflimit.Stats, error)
	Close() error
}

type attachLoader func(dir bpflimit.Direction, loc *bpflimit.Locality) (attacher, error)

func loadAttachment(dir bpflimit.Direction, loc *bpflimit.Locality) (attacher, error) {
	return bpflimit.Load(dir, loc)
}

func EbpfDescriptor(env *Env, dir Direction) Descriptor {
	return Descriptor{
		Name:      NameEBPF,
		Direction: dir,
		Tier:      Best,
		Locality:  true,
		Requires: []Prerequisite{
			RequireRoot(),
			RequireCgroup(env.Cgroups, types.Unified),
			RequireBPF(),
		},
		Summary: "cgroup_skb token bucket per process, supports internet/local filters",
	}
}

type ebpfProc struct {
	handle *types.Handle
	att    attacher
	limit  Limit
}

// EbpfBackend 每个进程一个独立的 cgroup_skb 程序和 map，挂在进程的 v2 cgroup 上
type EbpfBackend struct {
	desc     Descriptor
	cgroups  *cglimit.CgroupManager
	locality *bpflimit.Locality
	load     attachLoader
	procs    map[int]*ebpfProc
}

func NewEbpfBackend(desc Descriptor, env *Env) *EbpfBackend {
	return &EbpfBackend{
		desc:     desc,
		cgroups:  env.Cgroups,
		locality: env.Locality,
		load:     loadAttachment,
		procs:    make(map[int]*ebpfProc),
	}
}

func (b *EbpfBackend) Descriptor() Descriptor { return b.desc }

func (b *EbpfBackend) bpfDirection() bpflimit.Direction {
	if b.desc.Direction == Download {
		return bpflimit.Ingress
	}
	return bpflimit.Egress
}

func filterMode(f LocalityFilter) bpflimit.Mode {
	switch f {
	case FilterInternet:
		return bpflimit.ModeInternetOnly
	case FilterLocal:
		return bpflimit.ModeLocalOnly
	default:
		return bpflimit.ModeAll
	}
}

// Install 已经在限速的进程只更新配置（令牌桶会重置为满）
func (b *EbpfBackend) Install(pid int, limit Limit) (err error) {
	if err := limit.Validate(); err != nil {
		return err
	}
	cfg, err := bpflimit.NewConfig(limit.Rate, limit.Burst, filterMode(limit.Filter))
	if err != nil {
		return errors.Wrap(ErrInvalidLimit, err.Error())
	}
	if p, ok := b.procs[pid]; ok {
		if err := p.att.Configure(cfg); err != nil {
			return &AttachmentError{Backend: b.desc.Name, Op: "configure", Err: err}
		}
		p.limit = limit
		log.Infof("ebpf %s limit of pid %d updated: %s", b.desc.Direction, pid, limit)
		return nil
	}

	h, err := b.cgroups.Acquire(pid, types.Unified)
	if err != nil {
		if errors.Is(err, types.ErrUnavailable) {
			return &UnavailableError{Backend: b.desc.Name, Direction: b.desc.Direction, Prerequisite: "cgroup v2", Err: err}
		}
		return errors.WithMessagef(err, "prepare cgroup of pid %d", pid)
	}
	defer func() {
		if err != nil {
			if rErr := b.cgroups.Release(h); rErr != nil {
				log.Warnf("rollback cgroup of pid %d: %v", pid, rErr)
			}
		}
	}()

	att, err := b.load(b.bpfDirection(), b.locality)
	if err != nil {
		var ke *bpflimit.KernelError
		if errors.As(err, &ke) && ke.Op == "probe" {
			return &UnavailableError{Backend: b.desc.Name, Direction: b.desc.Direction, Prerequisite: "bpf cgroup_skb", Err: err}
		}
		return &AttachmentError{Backend: b.desc.Name, Op: "load", Err: err}
	}
	if err = att.Configure(cfg); err == nil {
		err = att.Attach(h.Path, b.bpfDirection())
	}
	if err != nil {
		if cErr := att.Close(); cErr != nil {
			log.Warnf("rollback bpf program of pid %d: %v", pid, cErr)
		}
		return &AttachmentError{Backend: b.desc.Name, Op: "attach", Err: err}
	}
	b.procs[pid] = &ebpfProc{handle: h, att: att, limit: limit}
	log.Infof("ebpf %s limit installed on pid %d (%s): %s", b.desc.Direction, pid, h.Path, limit)
	return nil
}

// Uninstall 先摘程序再释放 cgroup，这样进程被迁回原 cgroup 之前限速一直生效
func (b *EbpfBackend) Uninstall(pid int) error {
	p, ok := b.procs[pid]
	if !ok {
		return nil
	}
	delete(b.procs, pid)
	var detachErr error
	if err := p.att.Close(); err != nil {
		detachErr = &AttachmentError{Backend: b.desc.Name, Op: "detach", Err: err}
	}
	if err := IgnoreGone(b.cgroups.Release(p.handle), fmt.Sprintf("cgroup of pid %d", pid)); err != nil {
		log.Warnf("release cgroup of pid %d: %v", pid, err)
		if detachErr == nil {
			return err
		}
	}
	if detachErr == nil {
		log.Infof("ebpf %s limit removed from pid %d", b.desc.Direction, pid)
	}
	return detachErr
}

func (b *EbpfBackend) Governs() []int {
	return sortedPids(b.procs)
}

func (b *EbpfBackend) Stats(pid int) (Stats, error) {
	p, ok := b.procs[pid]
	if !ok {
		return Stats{}, errors.Wrapf(ErrNotBound, "pid %d", pid)
	}
	st, err := p.att.Stats()
	if err != nil {
		return Stats{}, err
	}
	return Stats(st), nil
}

// Release 没有实例级的共享资源，只清掉剩下的进程
func (b *EbpfBackend) Release() error {
	var firstErr error
	for _, pid := range b.Governs() {
		if err := b.Uninstall(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sortedPids[T any](m map[int]T) []int {
	pids := make([]int, 0, len(m))
	for pid := range m {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
