package network

import (
	"github.com/vishvananda/netlink"
)

// ClassStats 一个 HTB class 的计数
type ClassStats struct {
	Packets uint64
	Bytes   uint64
	Drops   uint64
}

// Shaper 表示出方向整形在一块网卡上的行为（根 qdisc、按 cgroup 分类的过滤器、每个进程一个 class）
/*
	相当于：
	tc qdisc add dev eth0 root handle 1: htb
	tc filter add dev eth0 parent 1: handle 1: cgroup
	tc class add dev eth0 parent 1: classid 1:<minor> htb rate <rate> ceil <rate>
	进程所在 net_cls cgroup 的 classid 为 0x0001<minor>，cgroup 分类器据此把包送进对应的 class
*/
type Shaper interface {
	EnsureRoot(link netlink.Link) error
	DeleteRoot(link netlink.Link) error
	SetClass(link netlink.Link, minor uint16, rate, burst uint64) error
	DeleteClass(link netlink.Link, minor uint16) error
	ClassStats(link netlink.Link, minor uint16) (ClassStats, error)
}
