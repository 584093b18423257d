package subsystems

import (
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UnifiedSubSystem cgroup v2 统一层级
// 不启用任何控制器，只是为了得到一个独占目录，eBPF 程序挂在这个目录上，nftables 按路径匹配
type UnifiedSubSystem struct {
	// Root 为空时从 mountinfo 查找挂载点，测试时可以直接指定
	Root string
	// SkipMagicCheck 测试用，跳过 statfs 文件系统类型校验
	SkipMagicCheck bool
}

func (s *UnifiedSubSystem) Name() string {
	return "unified"
}

func (s *UnifiedSubSystem) Kind() types.Kind {
	return types.Unified
}

func (s *UnifiedSubSystem) root() string {
	if s.Root != "" {
		return s.Root
	}
	return findUnifiedMountpoint()
}

// Available 除了 mountinfo 里要有 cgroup2，还要用 statfs 确认挂载点确实是 cgroup2 文件系统
func (s *UnifiedSubSystem) Available() error {
	root := s.root()
	if root == "" {
		return errors.Wrap(types.ErrUnavailable, "cgroup2 hierarchy not mounted")
	}
	if !s.SkipMagicCheck {
		var st unix.Statfs_t
		if err := unix.Statfs(root, &st); err != nil {
			return errors.Wrapf(types.ErrUnavailable, "statfs %s: %v", root, err)
		}
		if st.Type != unix.CGROUP2_SUPER_MAGIC {
			return errors.Wrapf(types.ErrUnavailable, "%s is not a cgroup2 mount", root)
		}
	}
	return checkWritable(root)
}

// Create 在 cgroup2 根下创建 bwgov/pid_<pid> 并迁移进程，classID 在 v2 下没有意义
func (s *UnifiedSubSystem) Create(pid int, _ uint32) (*types.Handle, error) {
	root := s.root()
	if root == "" {
		return nil, errors.Wrap(types.ErrUnavailable, "cgroup2 hierarchy not mounted")
	}
	dir, origin, err := createProcCgroup(root, pid, "", nil)
	if err != nil {
		return nil, err
	}
	h := &types.Handle{
		Pid:     pid,
		Kind:    types.Unified,
		Path:    dir,
		RelPath: constant.CgroupProcDir(pid),
		Origin:  origin,
	}
	log.Debugf("created cgroup %s", h)
	return h, nil
}

func (s *UnifiedSubSystem) Remove(h *types.Handle) error {
	return removeProcCgroup(s.root(), h)
}
