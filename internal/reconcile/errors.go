package reconcile

import (
	"errors"

	"wisefido-canister/internal/repository"
)

var (
	// ErrMissingReads 回调没有携带任何槽位读数
	ErrMissingReads = errors.New("missing rfid reads")
	// ErrUnknownSlot 槽位号或显示标签在目录中不存在
	ErrUnknownSlot = errors.New("unknown slot")
)

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
