package subsystems

import "github.com/oceanweave/bwgov/pkg/cglimit/types"

// SubsystemsIns 两代 cgroup 的实例，按优先顺序排列：统一层级优先
var SubsystemsIns = []types.Subsystem{
	&UnifiedSubSystem{},
	&NetClsSubSystem{},
}
