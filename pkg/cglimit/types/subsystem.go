package types

/*
	核心思想
	- 每个被限速的进程都放进一个独占的 cgroup，下游（tc 分类器、eBPF 程序、nftables 规则）只需要匹配这个 cgroup
	- cgroup 有两代，互不兼容：v1 用 net_cls 打 classid，v2 用统一层级下的目录路径
	- 调用方必须两代都探测，哪个存在用哪个，不能假设某一代一定存在
*/

// Subsystem 接口，每一代 cgroup 实现下面的接口
// 这里同样将 cgroup 抽象成了 path，cgroup 在 hierarchy 的路径，便是虚拟文件系统中的虚拟路径
type Subsystem interface {
	// Name 返回当前 subsystem 的名称，比如 net_cls、unified
	Name() string
	// Kind 返回代际
	Kind() Kind
	// Available 探测本机是否可用，不可用时返回包装了 ErrUnavailable 的错误
	Available() error
	// Create 为 pid 创建独占 cgroup 并把进程迁移进去，classID 只对 Legacy 有意义
	Create(pid int, classID uint32) (*Handle, error)
	// Remove 把进程迁回原 cgroup 并删除目录，目录已经不存在时视为成功
	Remove(h *Handle) error
}
