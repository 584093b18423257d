package bpflimit

import (
	"encoding/binary"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// __sk_buff 中用到的字段偏移
const (
	skbLen      = 0
	skbProtocol = 16
)

// map value 中的字段偏移，必须和 objects.go 中的结构体保持一致
const (
	cfgRate       = 0
	cfgCapacity   = 8
	cfgMaxElapsed = 16
	cfgMode       = 24

	bktTokens = 0
	bktLast   = 8

	stPacketsSeen    = 0
	stBytesSeen      = 8
	stPacketsDropped = 16
	stBytesDropped   = 24
	stInvocations    = 32
	stLookupMisses   = 40
)

// 栈上的 key：fp-4 放数组 map 的 0 号 key，另外两块放 LPM key（4 字节前缀长度 + 地址）
const (
	slotKeyOff = -4
	v4KeyOff   = -16
	v6KeyOff   = -40
)

type mapFDs struct {
	config int
	bucket int
	stats  int
	local4 int
	local6 int
}

// remoteAddrOffsets 对端地址在 IP 头中的偏移：出方向看目的地址，入方向看源地址
func remoteAddrOffsets(dir Direction) (v4, v6 int32) {
	if dir == Ingress {
		return 12, 8
	}
	return 16, 24
}

func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// buildProgram 组装 cgroup_skb 程序，返回 1 放行、0 丢弃
/*
	r6 = ctx（进入 bucket 阶段后复用为 bucket 指针）
	r7 = stats 指针
	r8 = config 指针
	r9 = skb->len
	1. invocations++，config 查不到时 lookup_misses++ 并放行
	2. seen 计数；过滤模式非 all 时按对端地址做 LPM 查找，不需要限制的包直接放行，非 IP 包也放行
	3. 按经过的时间补充令牌（间隔上限为 MaxElapsedNs），补充量为 0 时不推进时间戳，零头留到下次
	4. 令牌够则扣减放行，否则记丢包并丢弃
*/
func buildProgram(dir Direction, fds mapFDs) asm.Instructions {
	v4Off, v6Off := remoteAddrOffsets(dir)
	ipv4 := int32(htons(unix.ETH_P_IP))
	ipv6 := int32(htons(unix.ETH_P_IPV6))

	lookup := func(fd int, keyOff int32) asm.Instructions {
		return asm.Instructions{
			asm.LoadMapPtr(asm.R1, fd),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, keyOff),
			asm.FnMapLookupElem.Call(),
		}
	}
	// 原子地把 src 加到 stats 的 off 处
	count := func(off int32, src asm.Register) asm.Instructions {
		return asm.Instructions{
			asm.Mov.Reg(asm.R2, asm.R7),
			asm.Add.Imm(asm.R2, off),
			asm.StoreXAdd(asm.R2, src, asm.DWord),
		}
	}
	countOne := func(off int32) asm.Instructions {
		return append(asm.Instructions{asm.Mov.Imm(asm.R1, 1)}, count(off, asm.R1)...)
	}
	loadRemote := func(off int32, keyOff int32, size int32) asm.Instructions {
		return asm.Instructions{
			asm.Mov.Reg(asm.R1, asm.R6),
			asm.Mov.Imm(asm.R2, off),
			asm.Mov.Reg(asm.R3, asm.RFP),
			asm.Add.Imm(asm.R3, keyOff+4),
			asm.Mov.Imm(asm.R4, size),
			asm.FnSkbLoadBytes.Call(),
		}
	}
	labeled := func(sym string, insns asm.Instructions) asm.Instructions {
		insns[0] = insns[0].WithSymbol(sym)
		return insns
	}

	var insns asm.Instructions
	emit := func(ins ...asm.Instruction) { insns = append(insns, ins...) }

	emit(
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.StoreImm(asm.RFP, slotKeyOff, 0, asm.Word),
	)
	emit(lookup(fds.stats, slotKeyOff)...)
	emit(
		asm.JEq.Imm(asm.R0, 0, "allow"),
		asm.Mov.Reg(asm.R7, asm.R0),
	)
	emit(countOne(stInvocations)...)
	emit(lookup(fds.config, slotKeyOff)...)
	emit(asm.JNE.Imm(asm.R0, 0, "have_config"))
	emit(countOne(stLookupMisses)...)
	emit(asm.Ja.Label("allow"))

	emit(
		asm.Mov.Reg(asm.R8, asm.R0).WithSymbol("have_config"),
		asm.LoadMem(asm.R9, asm.R6, skbLen, asm.Word),
	)
	emit(countOne(stPacketsSeen)...)
	emit(count(stBytesSeen, asm.R9)...)

	// 局部性分类
	emit(
		asm.LoadMem(asm.R1, asm.R8, cfgMode, asm.Word),
		asm.JEq.Imm(asm.R1, int32(ModeAll), "bucket"),
		asm.LoadMem(asm.R1, asm.R6, skbProtocol, asm.Word),
		asm.JEq.Imm(asm.R1, ipv4, "ipv4"),
		asm.JEq.Imm(asm.R1, ipv6, "ipv6"),
		asm.Ja.Label("allow"),
	)
	emit(asm.StoreImm(asm.RFP, v4KeyOff, 32, asm.Word).WithSymbol("ipv4"))
	emit(loadRemote(v4Off, v4KeyOff, 4)...)
	emit(asm.JNE.Imm(asm.R0, 0, "allow"))
	emit(lookup(fds.local4, v4KeyOff)...)
	emit(asm.Ja.Label("classified"))

	emit(asm.StoreImm(asm.RFP, v6KeyOff, 128, asm.Word).WithSymbol("ipv6"))
	emit(loadRemote(v6Off, v6KeyOff, 16)...)
	emit(asm.JNE.Imm(asm.R0, 0, "allow"))
	emit(lookup(fds.local6, v6KeyOff)...)

	// r0 非空表示对端是本地地址
	emit(
		asm.LoadMem(asm.R1, asm.R8, cfgMode, asm.Word).WithSymbol("classified"),
		asm.JEq.Imm(asm.R0, 0, "remote"),
		asm.JEq.Imm(asm.R1, int32(ModeInternetOnly), "allow"),
		asm.Ja.Label("bucket"),
		asm.JEq.Imm(asm.R1, int32(ModeLocalOnly), "allow").WithSymbol("remote"),
	)

	// 令牌桶
	// 读改写没有加锁，多个 CPU 同时处理同一进程的包时可能花掉同一批令牌，超发量最多为并发包的大小之和
	emit(labeled("bucket", lookup(fds.bucket, slotKeyOff))...)
	emit(asm.JNE.Imm(asm.R0, 0, "have_bucket"))
	emit(countOne(stLookupMisses)...)
	emit(asm.Ja.Label("allow"))

	emit(
		asm.Mov.Reg(asm.R6, asm.R0).WithSymbol("have_bucket"),
		asm.FnKtimeGetNs.Call(),
		asm.LoadMem(asm.R1, asm.R6, bktLast, asm.DWord),
		asm.JNE.Imm(asm.R1, 0, "refill"),
		// 第一个包：桶是满的
		asm.LoadMem(asm.R2, asm.R8, cfgCapacity, asm.DWord),
		asm.StoreMem(asm.R6, bktTokens, asm.R2, asm.DWord),
		asm.StoreMem(asm.R6, bktLast, asm.R0, asm.DWord),
		asm.Ja.Label("consume"),

		// 时钟不会倒退，保险起见 last > now 时不补充
		asm.JGT.Reg(asm.R1, asm.R0, "consume").WithSymbol("refill"),
		asm.Mov.Reg(asm.R2, asm.R0),
		asm.Sub.Reg(asm.R2, asm.R1),
		asm.LoadMem(asm.R3, asm.R8, cfgMaxElapsed, asm.DWord),
		asm.JGE.Reg(asm.R3, asm.R2, "scale"),
		asm.Mov.Reg(asm.R2, asm.R3),
		asm.LoadMem(asm.R3, asm.R8, cfgRate, asm.DWord).WithSymbol("scale"),
		asm.Mul.Reg(asm.R2, asm.R3),
		asm.Div.Imm(asm.R2, int32(nsPerSec)),
		asm.JEq.Imm(asm.R2, 0, "consume"),
		asm.LoadMem(asm.R3, asm.R6, bktTokens, asm.DWord),
		asm.Add.Reg(asm.R3, asm.R2),
		asm.LoadMem(asm.R4, asm.R8, cfgCapacity, asm.DWord),
		asm.JGE.Reg(asm.R4, asm.R3, "store"),
		asm.Mov.Reg(asm.R3, asm.R4),
		asm.StoreMem(asm.R6, bktTokens, asm.R3, asm.DWord).WithSymbol("store"),
		asm.StoreMem(asm.R6, bktLast, asm.R0, asm.DWord),

		asm.LoadMem(asm.R3, asm.R6, bktTokens, asm.DWord).WithSymbol("consume"),
		asm.JGE.Reg(asm.R3, asm.R9, "admit"),
	)
	emit(countOne(stPacketsDropped)...)
	emit(count(stBytesDropped, asm.R9)...)
	emit(
		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),

		asm.Sub.Reg(asm.R3, asm.R9).WithSymbol("admit"),
		asm.StoreMem(asm.R6, bktTokens, asm.R3, asm.DWord),

		asm.Mov.Imm(asm.R0, 1).WithSymbol("allow"),
		asm.Return(),
	)
	return insns
}
