package cmd

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var rateUnits = map[byte]float64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
}

// parseRate 解析字节数，支持 k/m/g 后缀（按 1024 进位），例如 "100k" = 102400
// 空字符串返回 0，表示没有指定
func parseRate(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "b")
	mult := 1.0
	if n := len(s); n > 0 {
		if u, ok := rateUnits[s[n-1]]; ok {
			mult = u
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("invalid rate %q", s)
	}
	v *= mult
	if v < 0 || math.IsNaN(v) || v >= math.MaxUint64 {
		return 0, errors.Errorf("rate %q out of range", s)
	}
	return uint64(v), nil
}

// formatRate 只用于日志和列表
func formatRate(v uint64) string {
	switch {
	case v >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(v)/(1<<30))
	case v >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(v)/(1<<20))
	case v >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(v)/(1<<10))
	}
	return fmt.Sprintf("%dB", v)
}
