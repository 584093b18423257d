package backend

import (
	"bufio"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/cglimit/types"
	"github.com/oceanweave/bwgov/pkg/network"
	"github.com/oceanweave/bwgov/pkg/util"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// 测试时替换
	sysModuleDir = "/sys/module"
	libModuleDir = "/lib/modules"
	geteuid      = os.Geteuid
)

func RequireRoot() Prerequisite {
	return Prerequisite{
		Name: "root",
		Check: func() error {
			if geteuid() != 0 {
				return errors.New("must run as root")
			}
			return nil
		},
	}
}

// RequireBinary 用户态工具必须在 PATH 中
func RequireBinary(name string) Prerequisite {
	return Prerequisite{
		Name: "binary " + name,
		Check: func() error {
			_, err := exec.LookPath(name)
			return errors.Wrapf(err, "%s not found in PATH", name)
		},
	}
}

// RequireModule 内核模块已加载、编进内核，或者已安装可以被自动加载
func RequireModule(name string) Prerequisite {
	return Prerequisite{
		Name:  "module " + name,
		Check: func() error { return moduleAvailable(name) },
	}
}

func RequireCgroup(cg *cglimit.CgroupManager, kind types.Kind) Prerequisite {
	return Prerequisite{
		Name:  "cgroup " + kind.String(),
		Check: func() error { return cg.Available(kind) },
	}
}

// RequireEgressLink 至少有一块可以挂 qdisc 的网卡
func RequireEgressLink(names []string) Prerequisite {
	return Prerequisite{
		Name: "egress link",
		Check: func() error {
			_, err := network.EgressLinks(names)
			return err
		},
	}
}

// RequireBPF 内核支持 cgroup_skb 程序与 LPM trie
func RequireBPF() Prerequisite {
	return Prerequisite{
		Name:  "bpf cgroup_skb",
		Check: bpflimit.Supported,
	}
}

func moduleAvailable(name string) error {
	name = normalizeModule(name)
	if ok, _ := util.PathExists(path.Join(sysModuleDir, name)); ok {
		return nil
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return errors.Wrap(err, "uname")
	}
	release := unix.ByteSliceToString(uts.Release[:])
	for _, index := range []string{"modules.builtin", "modules.dep"} {
		found, err := moduleListed(path.Join(libModuleDir, release, index), name)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if found {
			return nil
		}
	}
	return errors.Errorf("kernel module %s is neither loaded, built in nor installed for %s", name, release)
}

// moduleListed 在 modules.builtin / modules.dep 中找模块
/*
	modules.builtin: kernel/net/sched/sch_htb.ko
	modules.dep:     kernel/net/sched/cls_cgroup.ko.zst: kernel/...
*/
func moduleListed(indexFile, name string) (bool, error) {
	f, err := os.Open(indexFile)
	if err != nil {
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := scanner.Text()
		if i := strings.IndexByte(entry, ':'); i >= 0 {
			entry = entry[:i]
		}
		base := path.Base(strings.TrimSpace(entry))
		if i := strings.Index(base, ".ko"); i >= 0 {
			base = base[:i]
		}
		if normalizeModule(base) == name {
			return true, nil
		}
	}
	return false, errors.Wrapf(scanner.Err(), "read %s", indexFile)
}

// 模块文件名里 - 和 _ 是等价的，/sys/module 下统一用 _
func normalizeModule(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
