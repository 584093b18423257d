package throttle

import (
	"sync"
	"time"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Manager 编排层：持有后端实例池，记录每个进程绑定到哪个实例
/*
	- 同一个 (pid, 方向) 任何时候最多只有一个实例在限速
	- 修改默认后端只影响之后新建的绑定，已有绑定不会迁移
	- 删除时只看记录的绑定，不会按当前默认后端去找
	- 实例懒加载，最后一个进程离开时释放内核资源，但实例留在池中复用
	- 所有操作由一把锁串行化
*/
type Manager struct {
	mu       sync.Mutex
	registry *backend.Registry
	pool     map[instanceKey]backend.Backend
	bindings map[bindingKey]*Binding
	// defaults 运行时通过 SetDefault 指定的默认后端
	defaults map[backend.Direction]string
	// preferred 配置文件中保存的偏好
	preferred map[backend.Direction]string
	now       func() time.Time
}

func NewManager(registry *backend.Registry, preferred map[backend.Direction]string) *Manager {
	m := &Manager{
		registry:  registry,
		pool:      make(map[instanceKey]backend.Backend),
		bindings:  make(map[bindingKey]*Binding),
		defaults:  make(map[backend.Direction]string),
		preferred: make(map[backend.Direction]string),
		now:       time.Now,
	}
	for dir, name := range preferred {
		m.preferred[dir] = name
	}
	return m
}

func (m *Manager) Registry() *backend.Registry { return m.registry }

// Apply 给进程设置限速
/*
	已经绑定：在绑定的实例上更新
	没有绑定：用当前默认后端（SetDefault > 保存的偏好 > 最高优先级可用），
	构造时发现不可用就排除它并换下一个；内核拒绝则直接返回
	过滤模式不被支持时返回 *ConflictError，此时没有发生任何内核调用
*/
func (m *Manager) Apply(pid int, dir backend.Direction, limit backend.Limit) (*Binding, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[bindingKey{pid, dir}]; ok {
		return m.reapplyLocked(b, limit)
	}
	for {
		desc, err := m.defaultLocked(dir)
		if err != nil {
			return nil, err
		}
		if !desc.Supports(limit.Filter) {
			return nil, &ConflictError{Conflict: m.newConflict(pid, dir, limit, desc, false)}
		}
		b, err := m.installLocked(pid, dir, desc.Name, limit)
		if err == nil {
			return b, nil
		}
		if backend.IsUnavailable(err) {
			m.registry.Exclude(dir, desc.Name, err.Error())
			continue
		}
		if backend.IsAttachment(err) {
			m.registry.Exclude(dir, desc.Name, err.Error())
		}
		return nil, err
	}
}

// ApplyWith 用指定的后端给这个进程限速，不改变默认后端
// 进程已经绑定在其他后端上时迁移过去，新后端失败则尽量恢复原来的限速
func (m *Manager) ApplyWith(pid int, dir backend.Direction, limit backend.Limit, name string) (*Binding, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	desc, err := m.registry.Lookup(dir, name)
	if err != nil {
		return nil, err
	}
	old, bound := m.bindings[bindingKey{pid, dir}]
	if bound && old.Backend == name {
		return m.reapplyLocked(old, limit)
	}
	if !desc.Supports(limit.Filter) {
		return nil, &ConflictError{Conflict: m.newConflict(pid, dir, limit, desc, false)}
	}
	var previous Binding
	if bound {
		previous = *old
		if err := m.removeLocked(pid, dir); err != nil {
			return nil, errors.WithMessagef(err, "move pid %d off %s", pid, previous.Backend)
		}
	}
	b, err := m.installLocked(pid, dir, name, limit)
	if err != nil {
		if bound {
			if _, rErr := m.installLocked(pid, dir, previous.Backend, previous.Limit); rErr != nil {
				log.Errorf("restore %s after failed switch: %v", previous, rErr)
			}
		}
		return nil, err
	}
	return b, nil
}

func (m *Manager) reapplyLocked(b *Binding, limit backend.Limit) (*Binding, error) {
	inst := m.pool[b.instance()]
	desc := inst.Descriptor()
	if !desc.Supports(limit.Filter) {
		return nil, &ConflictError{Conflict: m.newConflict(b.Pid, b.Direction, limit, desc, true)}
	}
	if err := inst.Install(b.Pid, limit); err != nil {
		return nil, errors.WithMessagef(err, "update pid %d", b.Pid)
	}
	b.Limit = limit
	log.Infof("throttle updated: %s", b)
	res := *b
	return &res, nil
}

// installLocked 从池中取实例（没有就构造），安装成功后才记录绑定
func (m *Manager) installLocked(pid int, dir backend.Direction, name string, limit backend.Limit) (*Binding, error) {
	inst, err := m.instanceLocked(dir, name)
	if err != nil {
		return nil, err
	}
	if err := inst.Install(pid, limit); err != nil {
		// 实例上已经没有进程时，把可能建好的共享资源也释放掉
		if len(inst.Governs()) == 0 {
			if rErr := inst.Release(); rErr != nil {
				log.Warnf("release idle %s: %v", inst.Descriptor(), rErr)
			}
		}
		return nil, err
	}
	b := &Binding{Pid: pid, Direction: dir, Backend: name, Limit: limit, Since: m.now()}
	m.bindings[bindingKey{pid, dir}] = b
	log.Infof("throttle applied: %s", b)
	res := *b
	return &res, nil
}

func (m *Manager) instanceLocked(dir backend.Direction, name string) (backend.Backend, error) {
	key := instanceKey{dir: dir, name: name}
	if inst, ok := m.pool[key]; ok {
		return inst, nil
	}
	inst, err := m.registry.New(dir, name)
	if err != nil {
		return nil, err
	}
	m.pool[key] = inst
	return inst, nil
}

// Remove 解除限速；没有绑定时是空操作，重复调用安全
func (m *Manager) Remove(pid int, dir backend.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(pid, dir)
}

func (m *Manager) removeLocked(pid int, dir backend.Direction) error {
	key := bindingKey{pid, dir}
	b, ok := m.bindings[key]
	if !ok {
		return nil
	}
	inst := m.pool[b.instance()]
	// 后端在报错前已经丢掉了这个进程的记录，绑定也一并删除，避免留下指向不存在状态的绑定
	delete(m.bindings, key)
	err := inst.Uninstall(pid)
	if len(inst.Governs()) == 0 {
		if rErr := inst.Release(); rErr != nil {
			log.Warnf("release idle %s: %v", inst.Descriptor(), rErr)
			if err == nil {
				err = rErr
			}
		}
	}
	if err != nil {
		return errors.WithMessagef(err, "remove %s", b)
	}
	log.Infof("throttle removed: pid=%d %s via %s", pid, dir, b.Backend)
	return nil
}

// SetDefault 只修改元数据，已有的绑定不受影响
func (m *Manager) SetDefault(dir backend.Direction, name string) error {
	if _, err := m.registry.Lookup(dir, name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[dir] = name
	log.Infof("default %s backend set to %s", dir, name)
	return nil
}

// Default 当前对新绑定生效的默认后端
func (m *Manager) Default(dir backend.Direction) (backend.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultLocked(dir)
}

func (m *Manager) defaultLocked(dir backend.Direction) (backend.Descriptor, error) {
	return m.registry.BestAvailable(dir, m.defaults[dir], m.preferred[dir])
}

func (m *Manager) Binding(pid int, dir backend.Direction) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[bindingKey{pid, dir}]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

func (m *Manager) Bindings() []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindingsLocked()
}

func (m *Manager) bindingsLocked() []Binding {
	list := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		list = append(list, *b)
	}
	sortBindings(list)
	return list
}

// Stats 读取所有绑定的计数，单条失败不影响其他
func (m *Manager) Stats() []Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bindingsLocked()
	res := make([]Stat, 0, len(list))
	for _, b := range list {
		st, err := m.pool[b.instance()].Stats(b.Pid)
		res = append(res, Stat{Binding: b, Stats: st, Err: err})
	}
	return res
}

// Instances 池中的实例以及各自正在限速的进程
func (m *Manager) Instances() map[string][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make(map[string][]int, len(m.pool))
	for _, inst := range m.pool {
		res[inst.Descriptor().String()] = inst.Governs()
	}
	return res
}

// Shutdown 删除全部绑定并释放全部实例，返回遇到的第一个错误，其余的记日志
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	record := func(err error) {
		if err == nil {
			return
		}
		if firstErr == nil {
			firstErr = err
		} else {
			log.Errorf("shutdown: %v", err)
		}
	}
	for _, b := range m.bindingsLocked() {
		record(m.removeLocked(b.Pid, b.Direction))
	}
	for key, inst := range m.pool {
		record(inst.Release())
		delete(m.pool, key)
	}
	return firstErr
}
