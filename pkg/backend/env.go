package backend

import (
	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/oceanweave/bwgov/pkg/cglimit"
	"github.com/oceanweave/bwgov/pkg/network"
)

// Env 各后端共享的宿主机资源
/*
	- Cgroups 两个方向的后端共用，同一个进程只建一个 cgroup
	- Locality 本地网段，ebpf 写进 LPM trie，nftables 写进集合
	- Interfaces 为空时 tc-htb 使用默认路由所在的网卡
*/
type Env struct {
	Cgroups    *cglimit.CgroupManager
	Locality   *bpflimit.Locality
	Interfaces []string
	Shaper     network.Shaper
	Nft        NftRunner
}

func NewEnv(loc *bpflimit.Locality, interfaces []string) *Env {
	if loc == nil {
		loc = bpflimit.DefaultLocality()
	}
	return &Env{
		Cgroups:    cglimit.NewCgroupManager(),
		Locality:   loc,
		Interfaces: interfaces,
		Shaper:     &network.NetlinkShaper{},
		Nft:        execNft{},
	}
}

// DefaultRegistry 注册本程序支持的全部后端
func DefaultRegistry(env *Env) *Registry {
	r := NewRegistry()
	for _, dir := range Directions {
		r.Register(EbpfDescriptor(env, dir), func(d Descriptor) (Backend, error) {
			return NewEbpfBackend(d, env), nil
		})
		r.Register(NftDescriptor(env, dir), func(d Descriptor) (Backend, error) {
			return NewNftBackend(d, env), nil
		})
	}
	r.Register(HTBDescriptor(env), func(d Descriptor) (Backend, error) {
		return NewHTBBackend(d, env), nil
	})
	return r
}
