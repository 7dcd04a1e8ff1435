package model

import (
	"errors"
	"io/fs"
	"syscall"
)

func isPermissionDenied(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM)
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
