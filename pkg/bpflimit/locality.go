package bpflimit

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Locality 被视为“本地”的地址前缀，其余都算公网
type Locality struct {
	V4 []netip.Prefix
	V6 []netip.Prefix
}

var (
	defaultLocal4 = []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"0.0.0.0/32",
		"255.255.255.255/32",
	}
	defaultLocal6 = []string{
		"::1/128",
		"::/128",
		"fe80::/10",
		"fc00::/7",
	}
)

// DefaultLocality 私有网段、回环、链路本地、未指定地址和广播地址
func DefaultLocality() *Locality {
	loc, err := ParseLocality(defaultLocal4, defaultLocal6)
	if err != nil {
		panic(err)
	}
	return loc
}

// ParseLocality 解析两组 CIDR，v4 里出现 v6 前缀（或反过来）会报错
// 两组都为空时返回默认网段
func ParseLocality(v4, v6 []string) (*Locality, error) {
	if len(v4) == 0 && len(v6) == 0 {
		return DefaultLocality(), nil
	}
	loc := &Locality{}
	for _, s := range v4 {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(err, "parse local prefix %q", s)
		}
		if !p.Addr().Is4() {
			return nil, errors.Errorf("%s is not an IPv4 prefix", s)
		}
		loc.V4 = append(loc.V4, p.Masked())
	}
	for _, s := range v6 {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(err, "parse local prefix %q", s)
		}
		if !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, errors.Errorf("%s is not an IPv6 prefix", s)
		}
		loc.V6 = append(loc.V6, p.Masked())
	}
	return loc, nil
}

// Contains 和内核里的 LPM 查找等价：地址落在任意一个前缀中即为本地
func (l *Locality) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	prefixes := l.V6
	if addr.Is4() {
		prefixes = l.V4
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Strings 用于持久化和 nft 集合元素
func (l *Locality) Strings() (v4, v6 []string) {
	for _, p := range l.V4 {
		v4 = append(v4, p.String())
	}
	for _, p := range l.V6 {
		v6 = append(v6, p.String())
	}
	return v4, v6
}
