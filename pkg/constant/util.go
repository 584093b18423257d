package constant

import (
	"fmt"
	"path"
)

// CgroupProcDir 返回 pid 对应的 cgroup 相对路径，例如 bwgov/pid_1234
func CgroupProcDir(pid int) string {
	return path.Join(CgroupPrefix, fmt.Sprintf(CgroupProcDirFormat, pid))
}
