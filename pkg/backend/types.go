package backend

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Direction 流量方向，每个后端实例只服务一个方向
type Direction int

const (
	Upload Direction = iota
	Download
)

var Directions = []Direction{Upload, Download}

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "upload", "up", "egress":
		return Upload, nil
	case "download", "down", "ingress":
		return Download, nil
	}
	return 0, errors.Errorf("unknown direction %q", s)
}

// Tier 固定的优先级，数值越小越优先
type Tier int

const (
	Best Tier = iota + 1
	Better
	Good
	Fallback
)

func (t Tier) String() string {
	switch t {
	case Best:
		return "best"
	case Better:
		return "better"
	case Good:
		return "good"
	case Fallback:
		return "fallback"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// LocalityFilter 限速作用的流量范围
type LocalityFilter int

const (
	FilterAll LocalityFilter = iota
	FilterInternet
	FilterLocal
)

func (f LocalityFilter) String() string {
	switch f {
	case FilterInternet:
		return "internet"
	case FilterLocal:
		return "local"
	default:
		return "all"
	}
}

func ParseLocalityFilter(s string) (LocalityFilter, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return FilterAll, nil
	case "internet", "internet-only":
		return FilterInternet, nil
	case "local", "local-only":
		return FilterLocal, nil
	}
	return 0, errors.Errorf("unknown locality filter %q", s)
}

func (f LocalityFilter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *LocalityFilter) UnmarshalText(b []byte) error {
	v, err := ParseLocalityFilter(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Limit 一次限速请求，Rate 和 Burst 的单位都是字节
type Limit struct {
	Rate   uint64         `json:"rate"`
	Burst  uint64         `json:"burst,omitempty"`
	Filter LocalityFilter `json:"filter"`
}

func (l Limit) Validate() error {
	if l.Rate == 0 {
		return errors.Wrap(ErrInvalidLimit, "rate must be positive")
	}
	if l.Filter < FilterAll || l.Filter > FilterLocal {
		return errors.Wrapf(ErrInvalidLimit, "filter %d", l.Filter)
	}
	return nil
}

func (l Limit) String() string {
	if l.Burst > 0 {
		return fmt.Sprintf("%dB/s burst=%d filter=%s", l.Rate, l.Burst, l.Filter)
	}
	return fmt.Sprintf("%dB/s filter=%s", l.Rate, l.Filter)
}

// Stats 后端上报的计数，不同后端能提供的字段不同，拿不到的保持 0
type Stats struct {
	PacketsSeen    uint64
	BytesSeen      uint64
	PacketsDropped uint64
	BytesDropped   uint64
	Invocations    uint64
	LookupMisses   uint64
}

// Prerequisite 后端运行所需的一项条件，Check 每次调用都实时检查
type Prerequisite struct {
	Name  string
	Check func() error
}

// Descriptor 后端的静态描述，注册后不再变化
type Descriptor struct {
	Name      string
	Direction Direction
	Tier      Tier
	// Locality 是否支持 internet/local 过滤
	Locality bool
	Requires []Prerequisite
	Summary  string
}

// Supports 所有后端都支持 all，其余过滤模式要求 Locality
func (d Descriptor) Supports(f LocalityFilter) bool {
	return f == FilterAll || d.Locality
}

func (d Descriptor) String() string {
	return d.Name + "/" + d.Direction.String()
}

// Backend 一种内核限速机制在一个方向上的实例
/*
	- Install 新增或更新一个进程的限速，失败时已经创建的内核资源要回滚
	- Uninstall 对没有限速的进程是空操作
	- Release 释放实例级的共享资源（例如根 qdisc、nft 表），可以重复调用，之后还能继续 Install
*/
type Backend interface {
	Descriptor() Descriptor
	Install(pid int, limit Limit) error
	Uninstall(pid int) error
	Governs() []int
	Stats(pid int) (Stats, error)
	Release() error
}
