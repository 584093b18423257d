package backend

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestIgnoreGone(t *testing.T) {
	gone := []error{
		unix.ENOENT,
		unix.ESRCH,
		errors.Wrap(unix.ENODEV, "delete qdisc"),
		&os.PathError{Op: "rmdir", Path: "/sys/fs/cgroup/bwgov", Err: unix.ENOENT},
		errors.New("nft -f: Error: No such file or directory"),
	}
	for _, err := range gone {
		assert.NoError(t, IgnoreGone(err, "test"), "%v", err)
	}
	assert.NoError(t, IgnoreGone(nil, "test"))
	assert.Error(t, IgnoreGone(unix.EPERM, "test"))
	assert.Error(t, IgnoreGone(&AttachmentError{Backend: "ebpf", Op: "detach", Err: unix.EINVAL}, "test"))
}

func TestErrorKinds(t *testing.T) {
	err := errors.WithMessage(&UnavailableError{Backend: "nftables", Direction: Upload, Prerequisite: "binary nft", Err: errors.New("not found")}, "apply")
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsAttachment(err))
	assert.Contains(t, err.Error(), "nftables (upload) unavailable: binary nft")

	err = &AttachmentError{Backend: "ebpf", Op: "attach", Err: unix.EPERM}
	assert.True(t, IsAttachment(err))
	assert.True(t, errors.Is(err, unix.EPERM))
}

func TestLimitAndFilter(t *testing.T) {
	assert.Error(t, Limit{}.Validate())
	assert.NoError(t, Limit{Rate: 1}.Validate())
	assert.Error(t, Limit{Rate: 1, Filter: LocalityFilter(9)}.Validate())

	f, err := ParseLocalityFilter("internet-only")
	assert.NoError(t, err)
	assert.Equal(t, FilterInternet, f)
	_, err = ParseLocalityFilter("lan")
	assert.Error(t, err)

	d := Descriptor{Name: "tc-htb"}
	assert.True(t, d.Supports(FilterAll))
	assert.False(t, d.Supports(FilterLocal))
}
