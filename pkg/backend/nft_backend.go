package backend

import (
	"bytes"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const NameNft = "nftables"

// NftRunner 执行 nft，测试时替换
type NftRunner interface {
	// Apply 相当于 nft -f -，整个脚本是一个事务
	Apply(script string) error
	// List 相当于 nft -a list <args...>
	List(args ...string) (string, error)
}

type execNft struct{}

func (execNft) Apply(script string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		log.Debugf("nft script:\n%s", script)
		return errors.Wrapf(err, "nft -f: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (execNft) List(args ...string) (string, error) {
	cmd := exec.Command("nft", append([]string{"-a", "list"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "nft list %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return string(output), nil
}

func NftDescriptor(env *Env, dir Direction) Descriptor {
	return Descriptor{
		Name:      NameNft,
		Direction: dir,
		Tier:      Good,
		Locality:  true,
		Requires: []Prerequisite{
			RequireRoot(),
			RequireCgroup(env.Cgroups, types.Unified),
			RequireBinary("nft"),
			RequireModule("nf_tables"),
		},
		Summary: "nftables limit rule per process matched by socket cgroupv2, supports internet/local filters",
	}
}

type nftProc struct {
	handle *types.Handle
	limit  Limit
}

// NftBackend 每个方向一张 inet 表，每个进程一条链
type NftBackend struct {
	desc    Descriptor
	cgroups *cglimit.CgroupManager
	nft     NftRunner
	table   nftTable
	ready   bool
	procs   map[int]*nftProc
}

func NewNftBackend(desc Descriptor, env *Env) *NftBackend {
	loc := env.Locality
	if loc == nil {
		loc = bpflimit.DefaultLocality()
	}
	v4, v6 := loc.Strings()
	return &NftBackend{
		desc:    desc,
		cgroups: env.Cgroups,
		nft:     env.Nft,
		table:   newNftTable(desc.Direction, v4, v6),
		procs:   make(map[int]*nftProc),
	}
}

func (b *NftBackend) Descriptor() Descriptor { return b.desc }

// capacity 和 ebpf 后端使用同样的桶容量规则，nft 的 burst 是 u32
func nftCapacity(limit Limit) (uint64, error) {
	cfg, err := bpflimit.NewConfig(limit.Rate, limit.Burst, bpflimit.ModeAll)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidLimit, err.Error())
	}
	if cfg.Capacity > math.MaxUint32 {
		return math.MaxUint32, nil
	}
	return cfg.Capacity, nil
}

func (b *NftBackend) Install(pid int, limit Limit) (err error) {
	if err := limit.Validate(); err != nil {
		return err
	}
	capacity, err := nftCapacity(limit)
	if err != nil {
		return err
	}
	if p, ok := b.procs[pid]; ok {
		if err := b.nft.Apply(b.table.installScript(pid, p.handle.RelPath, limit, capacity, false)); err != nil {
			return &AttachmentError{Backend: b.desc.Name, Op: "update rules", Err: err}
		}
		p.limit = limit
		log.Infof("nft %s limit of pid %d updated: %s", b.desc.Direction, pid, limit)
		return nil
	}

	if !b.ready {
		if err := b.nft.Apply(b.table.setupScript()); err != nil {
			return &AttachmentError{Backend: b.desc.Name, Op: "create table", Err: err}
		}
		b.ready = true
		log.Infof("nft table %s created", b.table.Name)
	}
	h, err := b.cgroups.Acquire(pid, types.Unified)
	if err != nil {
		if errors.Is(err, types.ErrUnavailable) {
			return &UnavailableError{Backend: b.desc.Name, Direction: b.desc.Direction, Prerequisite: "cgroup v2", Err: err}
		}
		return errors.WithMessagef(err, "prepare cgroup of pid %d", pid)
	}
	// nft -f 是原子的，脚本失败时不会留下半条链，只需要释放 cgroup
	if err = b.nft.Apply(b.table.installScript(pid, h.RelPath, limit, capacity, true)); err != nil {
		if rErr := b.cgroups.Release(h); rErr != nil {
			log.Warnf("rollback cgroup of pid %d: %v", pid, rErr)
		}
		return &AttachmentError{Backend: b.desc.Name, Op: "install rules", Err: err}
	}
	b.procs[pid] = &nftProc{handle: h, limit: limit}
	log.Infof("nft %s limit installed on pid %d (%s): %s", b.desc.Direction, pid, h.RelPath, limit)
	return nil
}

func (b *NftBackend) Uninstall(pid int) error {
	p, ok := b.procs[pid]
	if !ok {
		return nil
	}
	delete(b.procs, pid)
	var firstErr error
	listing, err := b.nft.List("chain", "inet", b.table.Name, b.table.Chain)
	if err == nil {
		var handles []uint64
		if handles, err = parseJumpHandles(listing, procComment(pid)); err == nil {
			err = b.nft.Apply(b.table.uninstallScript(pid, handles))
		}
	}
	if err = IgnoreGone(err, fmt.Sprintf("nft chain of pid %d", pid)); err != nil {
		firstErr = &AttachmentError{Backend: b.desc.Name, Op: "delete rules", Err: err}
	}
	if err := IgnoreGone(b.cgroups.Release(p.handle), fmt.Sprintf("cgroup of pid %d", pid)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		log.Infof("nft %s limit removed from pid %d", b.desc.Direction, pid)
	}
	return firstErr
}

func (b *NftBackend) Governs() []int {
	return sortedPids(b.procs)
}

func (b *NftBackend) Stats(pid int) (Stats, error) {
	if _, ok := b.procs[pid]; !ok {
		return Stats{}, errors.Wrapf(ErrNotBound, "pid %d", pid)
	}
	listing, err := b.nft.List("chain", "inet", b.table.Name, procChain(pid))
	if err != nil {
		return Stats{}, err
	}
	return parseCounters(listing)
}

// Release 删除整张表，表已经被别人删掉算成功
func (b *NftBackend) Release() error {
	var firstErr error
	for _, pid := range b.Governs() {
		if err := b.Uninstall(pid); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !b.ready {
		return firstErr
	}
	b.ready = false
	if err := IgnoreGone(b.nft.Apply(b.table.teardownScript()), "nft table "+b.table.Name); err != nil && firstErr == nil {
		firstErr = &AttachmentError{Backend: b.desc.Name, Op: "delete table", Err: err}
	}
	log.Infof("nft table %s removed", b.table.Name)
	return firstErr
}
