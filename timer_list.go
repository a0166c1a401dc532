package jiffy

// timerList 是時間輪槽位使用的侵入式雙向鏈表
//
// 鏈結欄位直接放在 Timer 上，加入或移除都不配置記憶體，
// 由呼叫者持有 Timer 的儲存空間。t.list 指向目前所屬的鏈表，
// 為 nil 時表示未排程。
//
// lazy 鏈表只記錄歸屬，不維護鏈結：到期處理時整槽搬進工作佇列後，
// 這些 Timer 的 list 指向 lazy 鏈表，被取消時只需清除 list 即可，
// 工作佇列在取出時會略過已不屬於它的項目。
type timerList struct {
	head, tail *Timer
	n          int
	lazy       bool
}

// pushBack 將 t 加到鏈表尾端（FIFO）
func (l *timerList) pushBack(t *Timer) {
	t.list = l
	if l.lazy {
		l.n++
		return
	}
	t.next = nil
	t.prev = l.tail
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
	l.n++
}

// remove 將 t 從鏈表中移除，t 必須屬於此鏈表
func (l *timerList) remove(t *Timer) {
	if !l.lazy {
		if t.prev != nil {
			t.prev.next = t.next
		} else {
			l.head = t.next
		}
		if t.next != nil {
			t.next.prev = t.prev
		} else {
			l.tail = t.prev
		}
	}
	t.next, t.prev, t.list = nil, nil, nil
	l.n--
}

// takeAll 取走整條鏈表並重置為空，回傳原本的第一個節點
//
// 取走的節點仍保留 next 鏈結供走訪，list 欄位由呼叫者重新設定。
func (l *timerList) takeAll() *Timer {
	head := l.head
	l.head, l.tail, l.n = nil, nil, 0
	return head
}

func (l *timerList) len() int {
	return l.n
}

func (l *timerList) empty() bool {
	return l.n == 0
}
