//go:build !linux

package engine

import (
	"errors"

	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
)

// The completion backend needs io_uring with buffer-ring support.
func newCompletionEngine(_ common.ServerConfig, _ storage.IStorage) (IEngine, error) {
	return nil, errors.New("completion runtime is only available on Linux")
}
