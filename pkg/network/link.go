package network

import (
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// EgressLinks 找到需要整形的网卡
/*
	- 指定了名字就按名字找，相当于 ip link show <name>
	- 没指定时取默认路由（ip route show default / ip -6 route show default）所在的网卡
	- 回环网卡永远跳过，本机通信不走物理网卡
*/
func EgressLinks(names []string) ([]netlink.Link, error) {
	if len(names) > 0 {
		links := make([]netlink.Link, 0, len(names))
		for _, name := range names {
			// 通过 LinkByName 方法找到需要设置的网络接口
			link, err := netlink.LinkByName(name)
			if err != nil {
				return nil, errors.Wrapf(err, "error retrieving a link named [%s]", name)
			}
			links = append(links, link)
		}
		return links, nil
	}
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, errors.Wrap(err, "list routes")
	}
	seen := map[int]bool{}
	var links []netlink.Link
	for _, r := range routes {
		if !isDefaultRoute(r) || r.LinkIndex == 0 || seen[r.LinkIndex] {
			continue
		}
		seen[r.LinkIndex] = true
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			log.Debugf("default route via link index %d: %v", r.LinkIndex, err)
			continue
		}
		if link.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		links = append(links, link)
	}
	if len(links) == 0 {
		return nil, errors.New("no link carries a default route")
	}
	return links, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

// LinkNames 用于日志
func LinkNames(links []netlink.Link) []string {
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names
}
