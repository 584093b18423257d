package bpflimit

import (
	"math"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mode 局部性过滤模式，和程序里的比较常量一一对应
type Mode uint32

const (
	// ModeAll 所有流量都消耗令牌
	ModeAll Mode = iota
	// ModeInternetOnly 只限制公网流量，本地流量直接放行
	ModeInternetOnly
	// ModeLocalOnly 只限制本地流量，公网流量直接放行
	ModeLocalOnly
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeInternetOnly:
		return "internet"
	case ModeLocalOnly:
		return "local"
	default:
		return "invalid"
	}
}

const (
	// MinCapacity 桶容量下限，一个 GSO 超级包最大接近 64KiB，容量比它小的话这个包永远过不去
	MinCapacity uint64 = 96 * 1024
	// MaxCapacity 保证 capacity*1e9 不会溢出 u64
	MaxCapacity uint64 = 1 << 32
	// MaxRate 保证 elapsed*rate 不会溢出 u64
	MaxRate uint64 = 1 << 36

	nsPerSec uint64 = 1000000000

	// 每个挂载实例只有这一个槽位
	slotKey uint32 = 0

	maxLocalPrefixes = 256
)

// Config 内核侧的配置记录，布局和程序中的偏移常量一致，不要调整字段顺序
type Config struct {
	Rate         uint64 // 字节/秒
	Capacity     uint64 // 桶容量，字节
	MaxElapsedNs uint64 // 超过这个间隔桶必然已满，用来防止乘法溢出
	Mode         uint32
	Pad          uint32
}

// BucketState 令牌桶状态，LastNs 为 0 表示还没有处理过包
type BucketState struct {
	Tokens uint64
	LastNs uint64
}

// Stats 每个挂载实例的统计
type Stats struct {
	PacketsSeen    uint64
	BytesSeen      uint64
	PacketsDropped uint64
	BytesDropped   uint64
	Invocations    uint64
	LookupMisses   uint64
}

// NewConfig 由速率、突发量和过滤模式算出内核配置
// burst 为 0 时容量取一秒的速率，容量不低于 MinCapacity
func NewConfig(rate, burst uint64, mode Mode) (Config, error) {
	if rate == 0 {
		return Config{}, errors.New("rate must be positive")
	}
	if rate > MaxRate {
		return Config{}, errors.Errorf("rate %d exceeds maximum %d", rate, MaxRate)
	}
	if mode > ModeLocalOnly {
		return Config{}, errors.Errorf("unknown locality mode %d", mode)
	}
	capacity := burst
	if capacity == 0 {
		capacity = rate
	}
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	// 向上取整，再多给 1ns
	maxElapsed := (capacity*nsPerSec+rate-1)/rate + 1
	if maxElapsed > math.MaxInt64 {
		maxElapsed = math.MaxInt64
	}
	return Config{
		Rate:         rate,
		Capacity:     capacity,
		MaxElapsedNs: maxElapsed,
		Mode:         uint32(mode),
	}, nil
}

type lpmKey4 struct {
	PrefixLen uint32
	Addr      [4]byte
}

type lpmKey6 struct {
	PrefixLen uint32
	Addr      [16]byte
}

// objects 一个挂载实例独占的程序和 map，map 之间不和其他实例共享
type objects struct {
	Program *ebpf.Program
	Config  *ebpf.Map
	Bucket  *ebpf.Map
	Stats   *ebpf.Map
	Local4  *ebpf.Map
	Local6  *ebpf.Map
}

func arraySpec(name string, valueSize uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  valueSize,
		MaxEntries: 1,
	}
}

func trieSpec(name string, keySize uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.LPMTrie,
		KeySize:    keySize,
		ValueSize:  1,
		MaxEntries: maxLocalPrefixes,
		// LPM trie 必须带 BPF_F_NO_PREALLOC
		Flags: unix.BPF_F_NO_PREALLOC,
	}
}

// loadObjects 创建 map、写入局部性前缀，然后用这些 map 的 fd 组装并加载程序
func loadObjects(dir Direction, loc *Locality) (objs *objects, err error) {
	if loc == nil {
		loc = DefaultLocality()
	}
	if len(loc.V4) > maxLocalPrefixes || len(loc.V6) > maxLocalPrefixes {
		return nil, errors.Errorf("at most %d locality prefixes per family", maxLocalPrefixes)
	}
	objs = &objects{}
	defer func() {
		if err != nil {
			objs.Close()
		}
	}()
	if objs.Config, err = ebpf.NewMap(arraySpec("bwg_config", 32)); err != nil {
		return nil, errors.Wrap(err, "create config map")
	}
	if objs.Bucket, err = ebpf.NewMap(arraySpec("bwg_bucket", 16)); err != nil {
		return nil, errors.Wrap(err, "create bucket map")
	}
	if objs.Stats, err = ebpf.NewMap(arraySpec("bwg_stats", 48)); err != nil {
		return nil, errors.Wrap(err, "create stats map")
	}
	if objs.Local4, err = ebpf.NewMap(trieSpec("bwg_local4", 8)); err != nil {
		return nil, errors.Wrap(err, "create local4 map")
	}
	if objs.Local6, err = ebpf.NewMap(trieSpec("bwg_local6", 20)); err != nil {
		return nil, errors.Wrap(err, "create local6 map")
	}
	present := uint8(1)
	for _, p := range loc.V4 {
		key := lpmKey4{PrefixLen: uint32(p.Bits()), Addr: p.Addr().As4()}
		if err = objs.Local4.Put(key, present); err != nil {
			return nil, errors.Wrapf(err, "insert %s", p)
		}
	}
	for _, p := range loc.V6 {
		key := lpmKey6{PrefixLen: uint32(p.Bits()), Addr: p.Addr().As16()}
		if err = objs.Local6.Put(key, present); err != nil {
			return nil, errors.Wrapf(err, "insert %s", p)
		}
	}
	insns := buildProgram(dir, mapFDs{
		config: objs.Config.FD(),
		bucket: objs.Bucket.FD(),
		stats:  objs.Stats.FD(),
		local4: objs.Local4.FD(),
		local6: objs.Local6.FD(),
	})
	objs.Program, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "bwg_" + dir.String(),
		Type:         ebpf.CGroupSKB,
		AttachType:   dir.AttachType(),
		Instructions: insns,
		License:      "GPL",
	})
	if err != nil {
		return nil, errors.Wrap(err, "load cgroup_skb program")
	}
	return objs, nil
}

func (o *objects) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{o.Program, o.Config, o.Bucket, o.Stats, o.Local4, o.Local6} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
