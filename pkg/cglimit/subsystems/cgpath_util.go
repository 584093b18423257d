package subsystems

import (
	"bufio"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/oceanweave/bwgov/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	mountPointIndex = 4
)

var (
	// 测试时替换成临时文件
	mountinfoPath = "/proc/self/mountinfo"
	procRoot      = "/proc"
)

// mountEntry mountinfo 中一行里我们关心的字段
type mountEntry struct {
	MountPoint string
	FsType     string
	SuperOpts  []string
}

// parseMountinfo 解析 mountinfo
/*
	一行大概是这样的：
	104 85 0:20 / /sys/fs/cgroup/net_cls rw,nosuid,nodev,noexec,relatime shared:9 - cgroup cgroup rw,net_cls,net_prio
	第 5 个字段是挂载点；可选字段个数不定，以单独的 "-" 结束，其后依次是 fstype、source、super options
*/
func parseMountinfo(r io.Reader) ([]mountEntry, error) {
	var entries []mountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " ")
		if len(fields) <= mountPointIndex {
			continue
		}
		sep := -1
		for i := mountPointIndex + 1; i < len(fields); i++ {
			if fields[i] == "-" {
				sep = i
				break
			}
		}
		// 分隔符后面至少要有 fstype、source、super options 三个字段
		if sep < 0 || sep+3 >= len(fields) {
			continue
		}
		entries = append(entries, mountEntry{
			MountPoint: fields[mountPointIndex],
			FsType:     fields[sep+1],
			SuperOpts:  strings.Split(fields[sep+3], ","),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read mountinfo")
	}
	return entries, nil
}

func readMountinfo() []mountEntry {
	f, err := os.Open(mountinfoPath)
	if err != nil {
		return nil
	}
	defer f.Close()
	entries, err := parseMountinfo(f)
	if err != nil {
		log.Error("read err:", err)
		return nil
	}
	return entries
}

// findCgroupMountpoint 找到 v1 某个控制器（例如 net_cls）层级的挂载点
func findCgroupMountpoint(subsystem string) string {
	for _, e := range readMountinfo() {
		if e.FsType != "cgroup" {
			continue
		}
		for _, opt := range e.SuperOpts {
			// 如果等于指定的 subsystem，那么就返回这个挂载点，例如 /sys/fs/cgroup/net_cls,net_prio
			if opt == subsystem {
				return e.MountPoint
			}
		}
	}
	return ""
}

// findUnifiedMountpoint 找到 cgroup2 的挂载点，纯 v2 是 /sys/fs/cgroup，混合模式一般是 /sys/fs/cgroup/unified
func findUnifiedMountpoint() string {
	for _, e := range readMountinfo() {
		if e.FsType == "cgroup2" {
			return e.MountPoint
		}
	}
	return ""
}

// getCgroupPath 找到 cgroup 在文件系统中的绝对路径
/*
	实际就是将根目录和 cgroup 名称拼接成一个路径。
	如果指定了自动创建，就先检测一下是否存在，如果对应的目录不存在，则说明 cgroup 不存在，这里就给创建一个
	bwgov/pid_1234 这种两级目录需要 MkdirAll
*/
func getCgroupPath(cgroupRoot string, cgroupPath string, autoCreate bool) (string, error) {
	absPath := path.Join(cgroupRoot, cgroupPath)
	if !autoCreate {
		return absPath, nil
	}
	_, err := os.Stat(absPath)
	if err != nil && os.IsNotExist(err) {
		err = os.MkdirAll(absPath, types.Perm0755)
	}
	// 若 err = nil， 那么 errors.Wrap(err,"") 也会是 nil
	return absPath, errors.Wrap(err, "create cgroup")
}

// readProcCgroup 从 /proc/<pid>/cgroup 读出进程当前所在的 cgroup 相对路径
/*
	文件每行格式为 hierarchy-ID:controller-list:cgroup-path
	v1: 7:net_cls,net_prio:/user.slice
	v2: 0::/user.slice/user-1000.slice/session-2.scope
	controller 为空字符串时匹配 v2 那一行
*/
func readProcCgroup(pid int, controller string) (string, error) {
	f, err := os.Open(path.Join(procRoot, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return "", errors.Wrapf(err, "open cgroup file of pid %d", pid)
	}
	defer f.Close()
	return parseProcCgroup(f, controller)
}

func parseProcCgroup(r io.Reader, controller string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if controller == "" {
			if parts[0] == "0" && parts[1] == "" {
				return parts[2], nil
			}
			continue
		}
		for _, c := range strings.Split(parts[1], ",") {
			if c == controller {
				return parts[2], nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "read proc cgroup")
	}
	return "", errors.Errorf("controller %q not found", controller)
}

// writePid 将 pid 写入 dir 下的 cgroup.procs，相当于把整个进程（所有线程）迁移到该 cgroup
// socket 所属的 cgroup 在创建时就确定了，迁移之前已经打开的连接仍然按原 cgroup 匹配
func writePid(dir string, pid int) error {
	procsFile := path.Join(dir, types.CgroupProcs)
	if err := os.WriteFile(procsFile, []byte(strconv.Itoa(pid)), types.Perm0644); err != nil {
		return errors.Wrapf(err, "write pid %d to %s", pid, procsFile)
	}
	return nil
}

// listPids 读出 cgroup 中当前的全部进程，被限速进程 fork 出来的子进程也会在里面
func listPids(dir string) ([]int, error) {
	data, err := os.ReadFile(path.Join(dir, types.CgroupProcs))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// createProcCgroup 两代 cgroup 共用的创建流程：记录原 cgroup -> 建目录 -> prepare 写入配置 -> 迁移进程
// 任一步失败都会把已经创建的目录删掉
func createProcCgroup(root string, pid int, controller string, prepare func(dir string) error) (dir string, origin string, err error) {
	current, err := readProcCgroup(pid, controller)
	if err != nil {
		return "", "", err
	}
	cgDir, err := getCgroupPath(root, constant.CgroupProcDir(pid), true)
	if err != nil {
		return "", "", err
	}
	// if failed, remove potential created directory
	defer func() {
		if err != nil {
			if rmErr := os.Remove(cgDir); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warnf("rollback cgroup dir %s: %v", cgDir, rmErr)
			}
		}
	}()
	if prepare != nil {
		if err = prepare(cgDir); err != nil {
			return "", "", err
		}
	}
	if err = writePid(cgDir, pid); err != nil {
		return "", "", err
	}
	return cgDir, path.Join(root, current), nil
}

// removeProcCgroup 把 cgroup 中所有进程迁回 origin，然后删除目录
/*
	- 进程已经退出（ESRCH）不算错误
	- origin 已经被别人删掉时退回到该代的根 cgroup
	- 目录已经不存在（ENOENT）说明被别的执行者清理过了，视为成功
*/
func removeProcCgroup(root string, h *types.Handle) error {
	pids, err := listPids(h.Path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("cgroup dir %s already removed", h.Path)
			return nil
		}
		return errors.Wrapf(err, "list pids of %s", h.Path)
	}
	target := h.Origin
	if ok, _ := util.PathExists(target); !ok || target == "" {
		target = root
	}
	for _, pid := range pids {
		if err := writePid(target, pid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			return err
		}
	}
	log.Infof("Cleaning cgroup-dir [%s]", h.Path)
	if err := os.Remove(h.Path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "remove cgroup dir %s", h.Path)
	}
	// 顺手删掉空的 bwgov 父目录，非空时 rmdir 会失败，忽略即可
	_ = os.Remove(path.Dir(h.Path))
	return nil
}

// checkWritable 没有写权限时 cgroup 不可用，通常是没用 root 运行
func checkWritable(dir string) error {
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return errors.Wrapf(types.ErrUnavailable, "%s not writable: %v", dir, err)
	}
	return nil
}
