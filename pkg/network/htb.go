package network

import (
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	rootMajor      uint16 = 1
	filterPriority uint16 = 10
)

// NetlinkShaper 通过 netlink 直接操作 tc，不依赖 tc 命令
type NetlinkShaper struct{}

var _ Shaper = &NetlinkShaper{}

func rootHandle() uint32 {
	return netlink.MakeHandle(rootMajor, 0)
}

// EnsureRoot 安装根 HTB qdisc 和 cgroup 分类器，已存在时替换，相当于
// tc qdisc replace dev eth0 root handle 1: htb && tc filter replace dev eth0 parent 1: handle 1: cgroup
// 默认 class 为 0，没有被分类的流量直接发出去，不受影响
func (s *NetlinkShaper) EnsureRoot(link netlink.Link) error {
	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    rootHandle(),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return errors.Wrapf(err, "replace root htb qdisc on %s", link.Attrs().Name)
	}
	filter := &netlink.GenericFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    rootHandle(),
			// cls_cgroup 要求 handle 非零
			Handle:   1,
			Priority: filterPriority,
			Protocol: unix.ETH_P_ALL,
		},
		FilterType: "cgroup",
	}
	if err := netlink.FilterReplace(filter); err != nil {
		return errors.Wrapf(err, "add cgroup filter on %s", link.Attrs().Name)
	}
	log.Debugf("root htb qdisc ready on %s", link.Attrs().Name)
	return nil
}

// DeleteRoot 删除根 qdisc，它下面的 class 和 filter 会被内核一并删除
func (s *NetlinkShaper) DeleteRoot(link netlink.Link) error {
	qdisc := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    rootHandle(),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscDel(qdisc); err != nil {
		return errors.Wrapf(err, "delete root qdisc on %s", link.Attrs().Name)
	}
	return nil
}

// SetClass 新增或更新 1:<minor>，rate 为字节/秒，netlink 这一层要求 bit/s
func (s *NetlinkShaper) SetClass(link netlink.Link, minor uint16, rate, burst uint64) error {
	bits := rate * 8
	attrs := netlink.HtbClassAttrs{Rate: bits, Ceil: bits}
	if burst > 0 {
		attrs.Buffer = clampU32(burst)
		attrs.Cbuffer = clampU32(burst)
	}
	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    rootHandle(),
		Handle:    netlink.MakeHandle(rootMajor, minor),
	}, attrs)
	if err := netlink.ClassReplace(class); err != nil {
		return errors.Wrapf(err, "replace htb class 1:%x on %s", minor, link.Attrs().Name)
	}
	return nil
}

func (s *NetlinkShaper) DeleteClass(link netlink.Link, minor uint16) error {
	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    rootHandle(),
		Handle:    netlink.MakeHandle(rootMajor, minor),
	}, netlink.HtbClassAttrs{})
	if err := netlink.ClassDel(class); err != nil {
		return errors.Wrapf(err, "delete htb class 1:%x on %s", minor, link.Attrs().Name)
	}
	return nil
}

// ClassStats 相当于 tc -s class show dev eth0 classid 1:<minor>
func (s *NetlinkShaper) ClassStats(link netlink.Link, minor uint16) (ClassStats, error) {
	classes, err := netlink.ClassList(link, rootHandle())
	if err != nil {
		return ClassStats{}, errors.Wrapf(err, "list classes on %s", link.Attrs().Name)
	}
	want := netlink.MakeHandle(rootMajor, minor)
	for _, c := range classes {
		attrs := c.Attrs()
		if attrs.Handle != want || attrs.Statistics == nil {
			continue
		}
		var st ClassStats
		if attrs.Statistics.Basic != nil {
			st.Packets = uint64(attrs.Statistics.Basic.Packets)
			st.Bytes = attrs.Statistics.Basic.Bytes
		}
		if attrs.Statistics.Queue != nil {
			st.Drops = uint64(attrs.Statistics.Queue.Drops)
		}
		return st, nil
	}
	return ClassStats{}, errors.Errorf("class 1:%x not found on %s", minor, link.Attrs().Name)
}

func clampU32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
