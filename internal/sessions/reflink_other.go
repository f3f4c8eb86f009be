//go:build !linux

package sessions

import (
	"errors"
	"os"
)

var errReflinkUnsupported = errors.New("reflink not supported on this platform")

func reflinkFile(src, dst string, mode os.FileMode) error {
	return errReflinkUnsupported
}
