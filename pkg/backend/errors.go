package backend

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrNotBound       = errors.New("process is not throttled by this backend")
	ErrInvalidLimit   = errors.New("invalid limit")
)

// UnavailableError 缺少运行条件，不是致命错误，调用方应换下一个后端
type UnavailableError struct {
	Backend      string
	Direction    Direction
	Prerequisite string
	Err          error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s (%s) unavailable: %s: %v", e.Backend, e.Direction, e.Prerequisite, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// AttachmentError 内核拒绝了挂载或卸载，原样报给用户，不会换参数重试
type AttachmentError struct {
	Backend string
	Op      string
	Err     error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("backend %s: %s rejected: %v", e.Backend, e.Op, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

func IsAttachment(err error) bool {
	var ae *AttachmentError
	return errors.As(err, &ae)
}

// IsGone 资源已经不存在：文件、进程、网卡、nft 对象
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENODEV) ||
		errors.Is(err, os.ErrNotExist) {
		return true
	}
	var lnf netlink.LinkNotFoundError
	if errors.As(err, &lnf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "No such device") ||
		strings.Contains(msg, "no such process")
}

// IgnoreGone 清理时资源已经被别人删掉视为成功，只记一条日志
func IgnoreGone(err error, what string) error {
	if err == nil {
		return nil
	}
	if IsGone(err) {
		log.Infof("%s already gone: %v", what, err)
		return nil
	}
	return err
}
