package bpflimit

import (
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Direction 程序编译时确定的方向，挂载点必须与之一致
type Direction int

const (
	Egress Direction = iota
	Ingress
)

func (d Direction) String() string {
	if d == Ingress {
		return "ingress"
	}
	return "egress"
}

func (d Direction) AttachType() ebpf.AttachType {
	if d == Ingress {
		return ebpf.AttachCGroupInetIngress
	}
	return ebpf.AttachCGroupInetEgress
}

// State 挂载实例的状态
type State int

const (
	Unattached State = iota
	Attaching
	Attached
	Detaching
	Closed
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	default:
		return "closed"
	}
}

var (
	ErrDirectionMismatch = errors.New("attach direction does not match program direction")
	ErrNotConfigured     = errors.New("attachment has no configuration")
	ErrClosed            = errors.New("attachment is closed")
	ErrBusy              = errors.New("attachment is not in unattached state")
)

// KernelError 内核拒绝了某个操作（加载、挂载、卸载），Op 描述是哪一步
type KernelError struct {
	Op  string
	Err error
}

func (e *KernelError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *KernelError) Unwrap() error { return e.Err }

var memlockOnce sync.Once

// Supported 检查内核是否支持 cgroup_skb 程序和 LPM trie
// 顺带在进程内只做一次 RLIMIT_MEMLOCK 的解除，5.11 之前的内核按 memlock 计费
func Supported() error {
	var memErr error
	memlockOnce.Do(func() {
		memErr = rlimit.RemoveMemlock()
	})
	if memErr != nil {
		return errors.Wrap(memErr, "remove memlock rlimit")
	}
	if err := features.HaveProgramType(ebpf.CGroupSKB); err != nil {
		return errors.Wrap(err, "cgroup_skb programs")
	}
	if err := features.HaveMapType(ebpf.LPMTrie); err != nil {
		return errors.Wrap(err, "lpm trie maps")
	}
	return nil
}

// Attachment 一个被加载好的程序加上它独占的 map，最多挂到一个 cgroup 上
/*
	Unattached --Attach--> Attaching --ok--> Attached --Detach--> Detaching --> Unattached
	                           \--fail--> Unattached
	任意状态 --Close--> Closed
*/
type Attachment struct {
	mu         sync.Mutex
	dir        Direction
	objs       *objects
	state      State
	cgroup     string
	configured bool
}

// Load 加载一个指定方向的程序，此时还没有挂到任何 cgroup
func Load(dir Direction, loc *Locality) (*Attachment, error) {
	if err := Supported(); err != nil {
		return nil, &KernelError{Op: "probe", Err: err}
	}
	objs, err := loadObjects(dir, loc)
	if err != nil {
		return nil, &KernelError{Op: "load", Err: err}
	}
	return &Attachment{dir: dir, objs: objs}, nil
}

func (a *Attachment) Direction() Direction { return a.dir }

func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CgroupPath 当前挂载的 cgroup，未挂载时为空
func (a *Attachment) CgroupPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cgroup
}

// Configure 写入配置并把桶重置为满，挂载前后都可以调用
func (a *Attachment) Configure(cfg Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Closed {
		return ErrClosed
	}
	if err := a.objs.Config.Put(slotKey, cfg); err != nil {
		return &KernelError{Op: "write config", Err: err}
	}
	if err := a.objs.Bucket.Put(slotKey, BucketState{Tokens: cfg.Capacity}); err != nil {
		return &KernelError{Op: "reset bucket", Err: err}
	}
	a.configured = true
	return nil
}

// Attach 把程序挂到 cgroupPath 上，dir 必须和 Load 时的方向一致
// 使用 BPF_F_ALLOW_MULTI，不会顶掉同一 cgroup 上其他人的程序
func (a *Attachment) Attach(cgroupPath string, dir Direction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.state == Closed:
		return ErrClosed
	case dir != a.dir:
		return errors.Wrapf(ErrDirectionMismatch, "program is %s, requested %s", a.dir, dir)
	case a.state != Unattached:
		return errors.Wrapf(ErrBusy, "state %s", a.state)
	case !a.configured:
		return ErrNotConfigured
	}
	a.state = Attaching
	cg, err := os.Open(cgroupPath)
	if err != nil {
		a.state = Unattached
		return errors.Wrapf(err, "open cgroup %s", cgroupPath)
	}
	defer cg.Close()
	err = link.RawAttachProgram(link.RawAttachProgramOptions{
		Target:  int(cg.Fd()),
		Program: a.objs.Program,
		Attach:  a.dir.AttachType(),
		Flags:   unix.BPF_F_ALLOW_MULTI,
	})
	if err != nil {
		a.state = Unattached
		return &KernelError{Op: "attach " + a.dir.String(), Err: err}
	}
	a.cgroup = cgroupPath
	a.state = Attached
	log.Debugf("attached %s program to %s", a.dir, cgroupPath)
	return nil
}

// Detach 从 cgroup 上摘下程序；未挂载时什么都不做
// cgroup 已被删除或程序已不在上面视为成功
func (a *Attachment) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detachLocked()
}

func (a *Attachment) detachLocked() error {
	if a.state != Attached {
		return nil
	}
	a.state = Detaching
	cg, err := os.Open(a.cgroup)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("cgroup %s already gone, nothing to detach", a.cgroup)
			a.state, a.cgroup = Unattached, ""
			return nil
		}
		a.state = Attached
		return errors.Wrapf(err, "open cgroup %s", a.cgroup)
	}
	defer cg.Close()
	err = link.RawDetachProgram(link.RawDetachProgramOptions{
		Target:  int(cg.Fd()),
		Program: a.objs.Program,
		Attach:  a.dir.AttachType(),
	})
	if err != nil && !errors.Is(err, unix.ENOENT) {
		a.state = Attached
		return &KernelError{Op: "detach " + a.dir.String(), Err: err}
	}
	log.Debugf("detached %s program from %s", a.dir, a.cgroup)
	a.state, a.cgroup = Unattached, ""
	return nil
}

// Stats 读取统计，未配置或者已关闭时返回错误
func (a *Attachment) Stats() (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var st Stats
	if a.state == Closed {
		return st, ErrClosed
	}
	if err := a.objs.Stats.Lookup(slotKey, &st); err != nil {
		return st, &KernelError{Op: "read stats", Err: err}
	}
	return st, nil
}

// Close 卸载并释放程序和 map，可以重复调用
func (a *Attachment) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Closed {
		return nil
	}
	detachErr := a.detachLocked()
	closeErr := a.objs.Close()
	a.state = Closed
	if detachErr != nil {
		return detachErr
	}
	return errors.Wrap(closeErr, "close bpf objects")
}
