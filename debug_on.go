//go:build jiffydebug

package jiffy

import (
	"fmt"

	"github.com/joeycumines/logiface"
)

// debugChecks 開啟只在 jiffydebug 建置下執行的一致性檢查
const debugChecks = true

// reportMisuse 在 jiffydebug 建置下直接 panic，方便在測試中抓出錯誤用法
func reportMisuse(_ *logiface.Logger[logiface.Event], op, reason string) {
	panic(fmt.Sprintf("jiffy: %s: %s", op, reason))
}
