package bpflimit

import (
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFDs = mapFDs{config: 11, bucket: 12, stats: 13, local4: 14, local6: 15}

func TestBuildProgram_JumpsResolve(t *testing.T) {
	for _, dir := range []Direction{Egress, Ingress} {
		insns := buildProgram(dir, testFDs)
		symbols := map[string]int{}
		for i, ins := range insns {
			if sym := ins.Symbol(); sym != "" {
				_, dup := symbols[sym]
				require.False(t, dup, "duplicate symbol %s", sym)
				symbols[sym] = i
			}
		}
		for _, ins := range insns {
			if ref := ins.Reference(); ref != "" {
				_, ok := symbols[ref]
				assert.True(t, ok, "%s: unresolved jump to %s", dir, ref)
			}
		}
		last := len(insns) - 1
		assert.Equal(t, asm.Exit, insns[last].OpCode.JumpOp())
		assert.Equal(t, last-1, symbols["allow"])
		assert.Equal(t, int64(1), insns[last-1].Constant)
	}
}

func TestBuildProgram_UsesEveryMap(t *testing.T) {
	insns := buildProgram(Egress, testFDs)
	seen := map[int64]bool{}
	for _, ins := range insns {
		if ins.OpCode.IsDWordLoad() && ins.Src == asm.PseudoMapFD {
			seen[ins.Constant] = true
		}
	}
	assert.Equal(t, map[int64]bool{11: true, 12: true, 13: true, 14: true, 15: true}, seen)
}

func TestBuildProgram_RemoteAddress(t *testing.T) {
	hasLoadOffset := func(insns asm.Instructions, off int64) bool {
		for _, ins := range insns {
			if ins.OpCode == asm.Mov.Op(asm.ImmSource) && ins.Dst == asm.R2 && ins.Constant == off {
				return true
			}
		}
		return false
	}
	egress := buildProgram(Egress, testFDs)
	assert.True(t, hasLoadOffset(egress, 16), "egress reads ipv4 daddr")
	assert.True(t, hasLoadOffset(egress, 24), "egress reads ipv6 daddr")
	ingress := buildProgram(Ingress, testFDs)
	assert.True(t, hasLoadOffset(ingress, 12), "ingress reads ipv4 saddr")
	assert.True(t, hasLoadOffset(ingress, 8), "ingress reads ipv6 saddr")
}

func TestHtons(t *testing.T) {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], htons(0x86dd))
	assert.Equal(t, [2]byte{0x86, 0xdd}, b)
}
