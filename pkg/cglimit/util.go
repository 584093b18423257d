package cglimit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oceanweave/bwgov/pkg/cglimit/types"
)

// DescribeProbe 把探测结果拼成一行，方便打日志，例如 "v2=ok v1(net_cls)=cgroup generation unavailable: ..."
func DescribeProbe(res map[types.Kind]error) string {
	kinds := make([]int, 0, len(res))
	for k := range res {
		kinds = append(kinds, int(k))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(kinds)))
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		status := "ok"
		if err := res[types.Kind(k)]; err != nil {
			status = err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s=%s", types.Kind(k), status))
	}
	return strings.Join(parts, " ")
}
