package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnavailable 某一代 cgroup 在本机不可用（没挂载、没权限），调用方应该探测另一代，而不是直接失败
var ErrUnavailable = errors.New("cgroup generation unavailable")

// Kind 表示 cgroup 的代际
type Kind int

const (
	// Legacy cgroup v1 的 net_cls 层级，下游规则按 classid 匹配
	Legacy Kind = iota + 1
	// Unified cgroup v2 统一层级，下游规则按目录路径匹配
	Unified
)

func (k Kind) String() string {
	switch k {
	case Legacy:
		return "v1(net_cls)"
	case Unified:
		return "v2"
	default:
		return "invalid"
	}
}

// Handle 一个进程的 cgroup 句柄：要么是 v1 的 classid，要么是 v2 的路径，调用方不关心除此之外的细节
type Handle struct {
	Pid  int
	Kind Kind
	// ClassID 仅 Legacy 有效，格式为 major<<16 | minor
	ClassID uint32
	// Path cgroup 目录在文件系统中的绝对路径
	Path string
	// RelPath 相对于该代 cgroup 根目录的路径，例如 bwgov/pid_1234，nftables 的 socket cgroupv2 匹配用它
	RelPath string
	// Origin 迁移之前进程所在 cgroup 的绝对路径，删除时把进程迁回去
	Origin string
}

// MakeClassID 拼出 net_cls.classid 的值，等价于 tc 里的 major:minor
func MakeClassID(major, minor uint16) uint32 {
	return uint32(major)<<16 | uint32(minor)
}

// ClassMinor 取出 classid 的 minor 部分
func (h *Handle) ClassMinor() uint16 {
	return uint16(h.ClassID & 0xffff)
}

func (h *Handle) String() string {
	if h.Kind == Legacy {
		return fmt.Sprintf("pid=%d %s classid=%x:%x", h.Pid, h.Kind, h.ClassID>>16, h.ClassID&0xffff)
	}
	return fmt.Sprintf("pid=%d %s path=%s", h.Pid, h.Kind, h.Path)
}
