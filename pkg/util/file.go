package util

import (
	"os"
	"strconv"
	"strings"
)

// PathExists 忽略路径不存在错误，可以由用户自行创建；其他错误进行报错
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ProcessAlive 通过 /proc/<pid> 是否存在判断进程是否还活着
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, _ := PathExists("/proc/" + strconv.Itoa(pid))
	return ok
}

// ProcessName 读取 /proc/<pid>/comm，读不到时返回空字符串
func ProcessName(pid int) string {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
