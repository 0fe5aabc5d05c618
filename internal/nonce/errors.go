package nonce

import "fmt"

var (
	// ErrLockAborted is returned when the caller's context ends while waiting for the wallet lock
	ErrLockAborted = fmt.Errorf("gave up waiting for the wallet nonce lock")
)
