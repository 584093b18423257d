package types

import "os"

const (
	Perm0755 os.FileMode = 0755
	Perm0644 os.FileMode = 0644

	// CgroupProcs 每个 cgroup 目录下记录其中进程的文件，v1 和 v2 都支持按进程迁移
	CgroupProcs = "cgroup.procs"
	// NetClsClassID net_cls 控制器的 classid 文件，tc cgroup 分类器按此匹配
	NetClsClassID = "net_cls.classid"
	// ClassMajor 所有 classid 的 major 部分，和 HTB 根 qdisc 的句柄 1: 对应
	ClassMajor uint16 = 1
	// MaxClassMinor classid minor 部分可分配的最大值，0 和 0xffff 保留
	MaxClassMinor uint16 = 0xfffe
)
