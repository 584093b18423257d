package constant

import (
	"os"
)

const (
	Perm0755 os.FileMode = 0755
	Perm0644 os.FileMode = 0644
	// 程序自身的状态目录，保存偏好后端和已施加的限速配置
	StateDir string = "/var/lib/bwgov"
	// 默认配置文件路径
	DefaultConfigPath string = StateDir + "/config.json"
	// 在各代 cgroup 根目录下创建的子目录名，所有被限速进程的 cgroup 都建在这里
	CgroupPrefix string = "bwgov"
	// 每个进程独占的 cgroup 目录名格式
	CgroupProcDirFormat string = "pid_%d"
	// nftables 表名和规则注释的前缀
	ResourcePrefix string = "bwgov"
)
