package backend

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrNoBackend = errors.New("no backend available")

// Factory 按描述构造一个后端实例，构造本身不应该触碰内核
type Factory func(desc Descriptor) (Backend, error)

type entry struct {
	desc    Descriptor
	factory Factory
}

// Status 一次实时探测的结果，Err 为 nil 表示可用
type Status struct {
	Descriptor
	Err error
	// Excluded 本次会话中因为失败被排除的原因
	Excluded string
}

func (s Status) Available() bool {
	return s.Err == nil && s.Excluded == ""
}

// Registry 本机所有后端的注册表与选择器
/*
	选择顺序：用户显式指定 > 保存的偏好 > 可用的最高优先级
	可用性每次都实时检查全部运行条件，不缓存
	运行中失败过的后端会被排除，本次会话不再选中
*/
type Registry struct {
	mu       sync.Mutex
	entries  map[Direction][]entry
	excluded map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[Direction][]entry),
		excluded: make(map[string]string),
	}
}

// Register 同方向同名重复注册时后者覆盖前者
func (r *Registry) Register(desc Descriptor, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.entries[desc.Direction]
	replaced := false
	for i := range list {
		if list[i].desc.Name == desc.Name {
			list[i] = entry{desc: desc, factory: factory}
			replaced = true
		}
	}
	if !replaced {
		list = append(list, entry{desc: desc, factory: factory})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].desc.Tier != list[j].desc.Tier {
			return list[i].desc.Tier < list[j].desc.Tier
		}
		return list[i].desc.Name < list[j].desc.Name
	})
	r.entries[desc.Direction] = list
}

// List 按优先级、名字排序
func (r *Registry) List(dir Direction) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Descriptor, 0, len(r.entries[dir]))
	for _, e := range r.entries[dir] {
		res = append(res, e.desc)
	}
	return res
}

func (r *Registry) lookup(dir Direction, name string) (entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[dir] {
		if e.desc.Name == name {
			return e, nil
		}
	}
	return entry{}, errors.Wrapf(ErrUnknownBackend, "%s for %s", name, dir)
}

func (r *Registry) Lookup(dir Direction, name string) (Descriptor, error) {
	e, err := r.lookup(dir, name)
	return e.desc, err
}

// Check 实时检查后端的每一项运行条件
func (r *Registry) Check(dir Direction, name string) error {
	e, err := r.lookup(dir, name)
	if err != nil {
		return err
	}
	return CheckDescriptor(e.desc)
}

func CheckDescriptor(desc Descriptor) error {
	for _, p := range desc.Requires {
		if err := p.Check(); err != nil {
			return &UnavailableError{Backend: desc.Name, Direction: desc.Direction, Prerequisite: p.Name, Err: err}
		}
	}
	return nil
}

// Statuses 并发探测某个方向上的全部后端
func (r *Registry) Statuses(dir Direction) []Status {
	descs := r.List(dir)
	res := make([]Status, len(descs))
	var g errgroup.Group
	for i, d := range descs {
		res[i] = Status{Descriptor: d}
		if reason, ok := r.Excluded(dir, d.Name); ok {
			res[i].Excluded = reason
		}
		g.Go(func() error {
			res[i].Err = CheckDescriptor(d)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// BestAvailable chain 中依次是显式指定和保存的偏好，空串跳过
// chain 中没有可用的时，按优先级选第一个可用的
func (r *Registry) BestAvailable(dir Direction, chain ...string) (Descriptor, error) {
	for _, name := range chain {
		if name == "" {
			continue
		}
		desc, err := r.Lookup(dir, name)
		if err != nil {
			log.Warnf("preferred backend skipped: %v", err)
			continue
		}
		if reason, ok := r.Excluded(dir, name); ok {
			log.Infof("preferred backend %s skipped, excluded: %s", desc, reason)
			continue
		}
		if err := CheckDescriptor(desc); err != nil {
			log.Warnf("preferred backend skipped: %v", err)
			continue
		}
		return desc, nil
	}
	for _, desc := range r.List(dir) {
		if _, ok := r.Excluded(dir, desc.Name); ok {
			continue
		}
		if err := CheckDescriptor(desc); err != nil {
			log.Debugf("%v", err)
			continue
		}
		return desc, nil
	}
	return Descriptor{}, errors.Wrapf(ErrNoBackend, "direction %s", dir)
}

// Alternatives 除 except 之外，当前可用且支持 filter 的同方向后端
func (r *Registry) Alternatives(dir Direction, filter LocalityFilter, except string) []Descriptor {
	var res []Descriptor
	for _, desc := range r.List(dir) {
		if desc.Name == except || !desc.Supports(filter) {
			continue
		}
		if _, ok := r.Excluded(dir, desc.Name); ok {
			continue
		}
		if err := CheckDescriptor(desc); err != nil {
			continue
		}
		res = append(res, desc)
	}
	return res
}

// Exclude 本次会话中不再选择该后端
func (r *Registry) Exclude(dir Direction, name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := dir.String() + "/" + name
	r.excluded[key] = reason
	log.Warnf("backend %s excluded for this session: %s", key, reason)
}

func (r *Registry) Excluded(dir Direction, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.excluded[dir.String()+"/"+name]
	return reason, ok
}

// New 构造前重新检查运行条件，避免构造出一个实际不生效的实例
func (r *Registry) New(dir Direction, name string) (Backend, error) {
	e, err := r.lookup(dir, name)
	if err != nil {
		return nil, err
	}
	if err := CheckDescriptor(e.desc); err != nil {
		return nil, err
	}
	b, err := e.factory(e.desc)
	if err != nil {
		return nil, errors.WithMessagef(err, "construct backend %s", e.desc)
	}
	log.Infof("backend %s constructed", e.desc)
	return b, nil
}
