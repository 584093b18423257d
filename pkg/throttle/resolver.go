package throttle

import (
	"fmt"
	"strings"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrCancelled = errors.New("throttle request cancelled")

type OptionKind int

const (
	// Cancel 什么都不改
	Cancel OptionKind = iota
	// SwitchOnce 只对这个进程换后端，默认后端不变
	SwitchOnce
	// SwitchAndDefault 换后端并把它设为默认
	SwitchAndDefault
	// ConvertToAll 放弃过滤，按 all 在原后端上限速
	ConvertToAll
)

func (k OptionKind) String() string {
	switch k {
	case SwitchOnce:
		return "switch"
	case SwitchAndDefault:
		return "switch-default"
	case ConvertToAll:
		return "convert"
	default:
		return "cancel"
	}
}

func ParseOptionKind(s string) (OptionKind, error) {
	for _, k := range []OptionKind{Cancel, SwitchOnce, SwitchAndDefault, ConvertToAll} {
		if k.String() == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown conflict option %q", s)
}

// Option 冲突的一个处理方式，Backend 只对两种切换有效
type Option struct {
	Kind    OptionKind
	Backend string
}

func (o Option) String() string {
	switch o.Kind {
	case SwitchOnce:
		return "switch this process to " + o.Backend
	case SwitchAndDefault:
		return "switch to " + o.Backend + " and make it the default"
	case ConvertToAll:
		return "apply to all traffic instead"
	default:
		return "cancel"
	}
}

// Conflict 请求的过滤模式不被绑定的（或默认的）后端支持
type Conflict struct {
	Pid       int
	Direction backend.Direction
	Limit     backend.Limit
	// Backend 不支持该过滤模式的后端
	Backend backend.Descriptor
	// Bound 进程是否已经绑定在 Backend 上
	Bound bool
	// Alternatives 当前可用、同方向、支持该过滤模式的其他后端
	Alternatives []backend.Descriptor
	Options      []Option
}

func (c *Conflict) String() string {
	return fmt.Sprintf("pid %d %s: backend %s cannot filter %s traffic", c.Pid, c.Direction, c.Backend.Name, c.Limit.Filter)
}

// ConflictError 不是面向用户的错误，调用方应该把 Conflict 交给用户选择后调用 Manager.Resolve
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	return "compatibility conflict: " + e.Conflict.String()
}

func AsConflict(err error) (*Conflict, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Conflict, true
	}
	return nil, false
}

// BuildOptions 取消和转换为 all 永远存在，每个替代后端各提供两种切换方式
func BuildOptions(alternatives []backend.Descriptor) []Option {
	opts := []Option{{Kind: Cancel}}
	for _, alt := range alternatives {
		opts = append(opts,
			Option{Kind: SwitchOnce, Backend: alt.Name},
			Option{Kind: SwitchAndDefault, Backend: alt.Name})
	}
	return append(opts, Option{Kind: ConvertToAll})
}

func (m *Manager) newConflict(pid int, dir backend.Direction, limit backend.Limit, desc backend.Descriptor, bound bool) *Conflict {
	alts := m.registry.Alternatives(dir, limit.Filter, desc.Name)
	c := &Conflict{
		Pid:          pid,
		Direction:    dir,
		Limit:        limit,
		Backend:      desc,
		Bound:        bound,
		Alternatives: alts,
		Options:      BuildOptions(alts),
	}
	log.Infof("%s, %d alternative(s)", c, len(alts))
	return c
}

// Pick 按种类选出一个选项；切换类的选项取第一个替代后端，也就是优先级最高的
func (c *Conflict) Pick(kind OptionKind) (Option, bool) {
	for _, o := range c.Options {
		if o.Kind == kind {
			return o, true
		}
	}
	return Option{}, false
}

// Resolve 执行用户选择的处理方式，选项必须来自该冲突
func (m *Manager) Resolve(c *Conflict, opt Option) (*Binding, error) {
	offered := false
	for _, o := range c.Options {
		if o == opt {
			offered = true
			break
		}
	}
	if !offered {
		return nil, errors.Errorf("option %q was not offered for this conflict", opt)
	}
	log.Infof("resolving %s: %s", c, opt)
	switch opt.Kind {
	case SwitchOnce:
		return m.ApplyWith(c.Pid, c.Direction, c.Limit, opt.Backend)
	case SwitchAndDefault:
		b, err := m.ApplyWith(c.Pid, c.Direction, c.Limit, opt.Backend)
		if err != nil {
			return nil, err
		}
		if err := m.SetDefault(c.Direction, opt.Backend); err != nil {
			return b, err
		}
		return b, nil
	case ConvertToAll:
		limit := c.Limit
		limit.Filter = backend.FilterAll
		return m.ApplyWith(c.Pid, c.Direction, limit, c.Backend.Name)
	default:
		return nil, ErrCancelled
	}
}
