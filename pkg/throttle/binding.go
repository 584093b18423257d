package throttle

import (
	"fmt"
	"sort"
	"time"

	"github.com/oceanweave/bwgov/pkg/backend"
)

type bindingKey struct {
	pid int
	dir backend.Direction
}

type instanceKey struct {
	dir  backend.Direction
	name string
}

// Binding 一个进程在一个方向上由哪个后端实例限速
type Binding struct {
	Pid       int
	Direction backend.Direction
	Backend   string
	Limit     backend.Limit
	Since     time.Time
}

func (b Binding) String() string {
	return fmt.Sprintf("pid=%d %s via %s: %s", b.Pid, b.Direction, b.Backend, b.Limit)
}

func (b Binding) instance() instanceKey {
	return instanceKey{dir: b.Direction, name: b.Backend}
}

// Stat 一条绑定以及它当前的计数，读取失败时 Err 非空
type Stat struct {
	Binding
	Stats backend.Stats
	Err   error
}

func sortBindings(list []Binding) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Pid != list[j].Pid {
			return list[i].Pid < list[j].Pid
		}
		return list[i].Direction < list[j].Direction
	})
}
