package backend

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oceanweave/bwgov/pkg/constant"
	"github.com/pkg/errors"
)

// nftTable 一个方向对应 inet 族下的一张表
/*
	table inet bwgov_up {
		set local4 { type ipv4_addr; flags interval; auto-merge; elements = { 10.0.0.0/8, ... } }
		set local6 { type ipv6_addr; flags interval; auto-merge; elements = { fc00::/7, ... } }
		chain output { type filter hook output priority filter; policy accept;
			socket cgroupv2 level 2 "bwgov/pid_1234" jump p1234 comment "bwgov:1234"
		}
		chain p1234 {
			counter
			ip daddr @local4 return
			ip6 daddr @local6 return
			limit rate over 100000 bytes/second burst 100000 bytes counter drop
		}
	}
*/
type nftTable struct {
	Name string
	// Chain 基础链名，同时也是 hook 名
	Chain string
	// Peer 对端地址的字段：出方向是 daddr，入方向是 saddr
	Peer   string
	Local4 []string
	Local6 []string
}

func newNftTable(dir Direction, local4, local6 []string) nftTable {
	if dir == Download {
		return nftTable{Name: constant.ResourcePrefix + "_down", Chain: "input", Peer: "saddr", Local4: local4, Local6: local6}
	}
	return nftTable{Name: constant.ResourcePrefix + "_up", Chain: "output", Peer: "daddr", Local4: local4, Local6: local6}
}

func procChain(pid int) string {
	return "p" + strconv.Itoa(pid)
}

func procComment(pid int) string {
	return constant.ResourcePrefix + ":" + strconv.Itoa(pid)
}

func writeSet(b *strings.Builder, name, typ string, elems []string) {
	fmt.Fprintf(b, "\tset %s {\n\t\ttype %s\n\t\tflags interval\n\t\tauto-merge\n", name, typ)
	if len(elems) > 0 {
		fmt.Fprintf(b, "\t\telements = { %s }\n", strings.Join(elems, ", "))
	}
	b.WriteString("\t}\n")
}

// setupScript 建表；先 add 再 delete 保证表存在时也能整体替换成干净的
func (t nftTable) setupScript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "add table inet %s\ndelete table inet %s\n", t.Name, t.Name)
	fmt.Fprintf(&b, "table inet %s {\n", t.Name)
	writeSet(&b, "local4", "ipv4_addr", t.Local4)
	writeSet(&b, "local6", "ipv6_addr", t.Local6)
	fmt.Fprintf(&b, "\tchain %s {\n\t\ttype filter hook %s priority filter; policy accept;\n\t}\n", t.Chain, t.Chain)
	b.WriteString("}\n")
	return b.String()
}

func (t nftTable) teardownScript() string {
	return fmt.Sprintf("delete table inet %s\n", t.Name)
}

// procRules 进程链中的规则，第一条 counter 统计进入链的全部流量，最后一条统计丢弃
func (t nftTable) procRules(limit Limit, capacity uint64) []string {
	rules := []string{"counter"}
	switch limit.Filter {
	case FilterInternet:
		rules = append(rules,
			fmt.Sprintf("ip %s @local4 return", t.Peer),
			fmt.Sprintf("ip6 %s @local6 return", t.Peer))
	case FilterLocal:
		// inet 表中只有 v4/v6 两种包，ip 前缀的匹配对 v6 包不生效，反之亦然
		rules = append(rules,
			fmt.Sprintf("ip %s != @local4 return", t.Peer),
			fmt.Sprintf("ip6 %s != @local6 return", t.Peer))
	}
	rules = append(rules, fmt.Sprintf("limit rate over %d bytes/second burst %d bytes counter drop", limit.Rate, capacity))
	return rules
}

// installScript 新建或整体替换进程链；jump 规则只在第一次安装时加
func (t nftTable) installScript(pid int, cgroupRel string, limit Limit, capacity uint64, withJump bool) string {
	chain := procChain(pid)
	var b strings.Builder
	fmt.Fprintf(&b, "add chain inet %s %s\n", t.Name, chain)
	fmt.Fprintf(&b, "flush chain inet %s %s\n", t.Name, chain)
	for _, r := range t.procRules(limit, capacity) {
		fmt.Fprintf(&b, "add rule inet %s %s %s\n", t.Name, chain, r)
	}
	if withJump {
		fmt.Fprintf(&b, "add rule inet %s %s socket cgroupv2 level %d %q jump %s comment %q\n",
			t.Name, t.Chain, cgroupLevel(cgroupRel), cgroupRel, chain, procComment(pid))
	}
	return b.String()
}

// uninstallScript 必须先删 jump 规则，被引用的链删不掉
func (t nftTable) uninstallScript(pid int, handles []uint64) string {
	var b strings.Builder
	for _, h := range handles {
		fmt.Fprintf(&b, "delete rule inet %s %s handle %d\n", t.Name, t.Chain, h)
	}
	fmt.Fprintf(&b, "delete chain inet %s %s\n", t.Name, procChain(pid))
	return b.String()
}

// cgroupLevel bwgov/pid_1234 位于 v2 根之下第 2 层
func cgroupLevel(rel string) int {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

var (
	handleRe  = regexp.MustCompile(`# handle (\d+)\s*$`)
	counterRe = regexp.MustCompile(`counter packets (\d+) bytes (\d+)`)
)

// parseJumpHandles 从 `nft -a list chain` 的输出中找出带有指定注释的规则 handle
func parseJumpHandles(listing, comment string) ([]uint64, error) {
	var handles []uint64
	needle := fmt.Sprintf("comment %q", comment)
	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		m := handleRe.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("rule without handle: %s", strings.TrimSpace(line))
		}
		h, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse handle %s", m[1])
		}
		handles = append(handles, h)
	}
	return handles, errors.Wrap(scanner.Err(), "scan nft listing")
}

// parseCounters 按出现顺序取出链中 counter 的值：第一个是进入链的流量，最后一个是丢弃的流量
func parseCounters(listing string) (Stats, error) {
	matches := counterRe.FindAllStringSubmatch(listing, -1)
	if len(matches) < 2 {
		return Stats{}, errors.Errorf("expected 2 counters, found %d", len(matches))
	}
	num := func(s string) uint64 {
		v, _ := strconv.ParseUint(s, 10, 64)
		return v
	}
	first, last := matches[0], matches[len(matches)-1]
	return Stats{
		PacketsSeen:    num(first[1]),
		BytesSeen:      num(first[2]),
		PacketsDropped: num(last[1]),
		BytesDropped:   num(last[2]),
	}, nil
}
