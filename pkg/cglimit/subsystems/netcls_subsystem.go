package subsystems

import (
	"os"
	"path"
	"strconv"

	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NetClsSubSystem cgroup v1 的 net_cls 控制器
// 给进程打上 classid，tc 的 cgroup 分类器按 classid 把流量送进对应的 HTB class
type NetClsSubSystem struct {
	// Root 为空时从 mountinfo 查找挂载点，测试时可以直接指定
	Root string
}

// Name 返回 Subsystem 名字
func (s *NetClsSubSystem) Name() string {
	return "net_cls"
}

func (s *NetClsSubSystem) Kind() types.Kind {
	return types.Legacy
}

func (s *NetClsSubSystem) root() string {
	if s.Root != "" {
		return s.Root
	}
	return findCgroupMountpoint(s.Name())
}

// Available net_cls 层级必须已经挂载，且当前进程有写权限
func (s *NetClsSubSystem) Available() error {
	root := s.root()
	if root == "" {
		return errors.Wrap(types.ErrUnavailable, "net_cls hierarchy not mounted")
	}
	return checkWritable(root)
}

// Create 在 net_cls 层级下创建 bwgov/pid_<pid>，写入 classid 后把进程迁进去
func (s *NetClsSubSystem) Create(pid int, classID uint32) (*types.Handle, error) {
	root := s.root()
	if root == "" {
		return nil, errors.Wrap(types.ErrUnavailable, "net_cls hierarchy not mounted")
	}
	if classID == 0 {
		return nil, errors.New("net_cls cgroup needs a non-zero classid")
	}
	dir, origin, err := createProcCgroup(root, pid, s.Name(), func(dir string) error {
		// 设置这个 cgroup 的 classid，将其写入到 cgroup 对应目录的 net_cls.classid 文件中，内核要求十进制
		classFile := path.Join(dir, types.NetClsClassID)
		if err := os.WriteFile(classFile, []byte(strconv.FormatUint(uint64(classID), 10)), types.Perm0644); err != nil {
			return errors.Wrapf(err, "set classid %x", classID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	h := &types.Handle{
		Pid:     pid,
		Kind:    types.Legacy,
		ClassID: classID,
		Path:    dir,
		RelPath: constant.CgroupProcDir(pid),
		Origin:  origin,
	}
	log.Debugf("created cgroup %s", h)
	return h, nil
}

// Remove 删除 handle 对应的 cgroup
func (s *NetClsSubSystem) Remove(h *types.Handle) error {
	return removeProcCgroup(s.root(), h)
}
