//go:build !unix

package segment

import "errors"

// freeBytes is unavailable on this platform; the reserve check is skipped.
var freeBytes = func(path string) (uint64, error) {
	return 0, errors.New("free space check unsupported on this platform")
}
