//go:build !jiffydebug

package jiffy

import "github.com/joeycumines/logiface"

const debugChecks = false

// reportMisuse 記錄錯誤用法後忽略該次操作
func reportMisuse(logger *logiface.Logger[logiface.Event], op, reason string) {
	logger.Warning().
		Str("op", op).
		Log(reason)
}
