//go:build !linux && !darwin && !windows

package fsstore

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("проверка свободного места не поддерживается на этой платформе")
}
