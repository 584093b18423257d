package cglimit

import (
	"sync"

	"github.com/oceanweave/bwgov/pkg/cglimit/subsystems"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type handleKey struct {
	pid  int
	kind types.Kind
}

type handleRef struct {
	handle *types.Handle
	refs   int
}

// CgroupManager 管理所有被限速进程的 cgroup
/*
	- 一个进程在同一代 cgroup 里只有一个目录，上传和下载两个方向的后端共用同一个 handle
	- 按 (pid, 代际) 做引用计数，最后一个使用者 Release 时才真正删除目录
	- v1 的 classid 由这里统一分配，保证不同进程不会撞上同一个 HTB class
*/
type CgroupManager struct {
	mu         sync.Mutex
	subsystems map[types.Kind]types.Subsystem
	order      []types.Kind
	handles    map[handleKey]*handleRef
	minors     map[uint16]int
	nextMinor  uint16
}

// NewCgroupManager 不传参数时使用默认的两代 subsystem
func NewCgroupManager(subs ...types.Subsystem) *CgroupManager {
	if len(subs) == 0 {
		subs = subsystems.SubsystemsIns
	}
	c := &CgroupManager{
		subsystems: make(map[types.Kind]types.Subsystem),
		handles:    make(map[handleKey]*handleRef),
		minors:     make(map[uint16]int),
		nextMinor:  1,
	}
	for _, s := range subs {
		c.subsystems[s.Kind()] = s
		c.order = append(c.order, s.Kind())
	}
	return c
}

// Available 实时探测某一代是否可用
func (c *CgroupManager) Available(kind types.Kind) error {
	s, ok := c.subsystems[kind]
	if !ok {
		return errors.Wrapf(types.ErrUnavailable, "no subsystem for %s", kind)
	}
	return s.Available()
}

// Probe 两代都探测一遍，返回每一代的探测结果，nil 表示可用
func (c *CgroupManager) Probe() map[types.Kind]error {
	res := make(map[types.Kind]error, len(c.order))
	for _, kind := range c.order {
		res[kind] = c.subsystems[kind].Available()
	}
	return res
}

// Preferred 返回本机可用的代际，两代都在时优先统一层级
func (c *CgroupManager) Preferred() (types.Kind, error) {
	var lastErr error = types.ErrUnavailable
	for _, kind := range c.order {
		err := c.subsystems[kind].Available()
		if err == nil {
			return kind, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// Acquire 获取 pid 在 kind 代际下的 cgroup，不存在时创建，已存在时增加引用计数
func (c *CgroupManager) Acquire(pid int, kind types.Kind) (*types.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := handleKey{pid: pid, kind: kind}
	if ref, ok := c.handles[key]; ok {
		ref.refs++
		return ref.handle, nil
	}
	s, ok := c.subsystems[kind]
	if !ok {
		return nil, errors.Wrapf(types.ErrUnavailable, "no subsystem for %s", kind)
	}
	if err := s.Available(); err != nil {
		return nil, err
	}
	var classID uint32
	if kind == types.Legacy {
		minor, err := c.allocMinor(pid)
		if err != nil {
			return nil, err
		}
		classID = types.MakeClassID(types.ClassMajor, minor)
	}
	h, err := s.Create(pid, classID)
	if err != nil {
		if classID != 0 {
			delete(c.minors, uint16(classID&0xffff))
		}
		return nil, errors.WithMessagef(err, "create %s cgroup for pid %d", kind, pid)
	}
	c.handles[key] = &handleRef{handle: h, refs: 1}
	logrus.Infof("cgroup acquired: %s", h)
	return h, nil
}

// Release 减少引用计数，归零时删除 cgroup；对未知 handle 重复 Release 是空操作
func (c *CgroupManager) Release(h *types.Handle) error {
	if h == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := handleKey{pid: h.Pid, kind: h.Kind}
	ref, ok := c.handles[key]
	if !ok {
		return nil
	}
	ref.refs--
	if ref.refs > 0 {
		return nil
	}
	delete(c.handles, key)
	if h.Kind == types.Legacy {
		delete(c.minors, h.ClassMinor())
	}
	if err := c.subsystems[h.Kind].Remove(ref.handle); err != nil {
		return errors.WithMessagef(err, "remove cgroup of pid %d", h.Pid)
	}
	logrus.Infof("cgroup released: %s", h)
	return nil
}

// Handles 返回当前持有的全部 handle
func (c *CgroupManager) Handles() []*types.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]*types.Handle, 0, len(c.handles))
	for _, ref := range c.handles {
		res = append(res, ref.handle)
	}
	return res
}

// Destroy 释放全部 cgroup，忽略引用计数，退出时调用
func (c *CgroupManager) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for key, ref := range c.handles {
		if err := c.subsystems[key.kind].Remove(ref.handle); err != nil {
			logrus.Errorf("remove cgroup %s, err: %s", ref.handle, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(c.handles, key)
	}
	c.minors = make(map[uint16]int)
	return firstErr
}

// allocMinor 从 nextMinor 开始找一个空闲的 minor，绕回到 1 继续找
func (c *CgroupManager) allocMinor(pid int) (uint16, error) {
	for i := 0; i < int(types.MaxClassMinor); i++ {
		minor := c.nextMinor
		c.nextMinor++
		if c.nextMinor == 0 || c.nextMinor > types.MaxClassMinor {
			c.nextMinor = 1
		}
		if _, used := c.minors[minor]; !used {
			c.minors[minor] = pid
			return minor, nil
		}
	}
	return 0, errors.New("classid space exhausted")
}
