//go:build !linux && !darwin

package artifact

import (
	"os"
	"time"
)

func birthTime(path string) (time.Time, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
