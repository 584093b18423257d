package bpflimit

// Packet Evaluate 的输入，描述程序能看到的那部分包信息
type Packet struct {
	Len uint64
	// IP 为 false 表示非 IPv4/IPv6 的包
	IP bool
	// Local 对端地址是否命中 Locality
	Local bool
}

// Evaluate 内核程序的用户态模型，逐条对应 buildProgram 的分支，返回 true 表示放行
// cfg 为 nil 相当于 config 查找失败
func Evaluate(cfg *Config, bucket *BucketState, stats *Stats, now uint64, pkt Packet) bool {
	stats.Invocations++
	if cfg == nil {
		stats.LookupMisses++
		return true
	}
	stats.PacketsSeen++
	stats.BytesSeen += pkt.Len

	switch Mode(cfg.Mode) {
	case ModeInternetOnly:
		if !pkt.IP || pkt.Local {
			return true
		}
	case ModeLocalOnly:
		if !pkt.IP || !pkt.Local {
			return true
		}
	}

	if bucket.LastNs == 0 {
		bucket.Tokens = cfg.Capacity
		bucket.LastNs = now
	} else if bucket.LastNs <= now {
		elapsed := now - bucket.LastNs
		if elapsed > cfg.MaxElapsedNs {
			elapsed = cfg.MaxElapsedNs
		}
		add := elapsed * cfg.Rate / nsPerSec
		if add != 0 {
			tokens := bucket.Tokens + add
			if tokens > cfg.Capacity {
				tokens = cfg.Capacity
			}
			bucket.Tokens = tokens
			bucket.LastNs = now
		}
	}

	if bucket.Tokens >= pkt.Len {
		bucket.Tokens -= pkt.Len
		return true
	}
	stats.PacketsDropped++
	stats.BytesDropped += pkt.Len
	return false
}
