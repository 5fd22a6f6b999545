package api

import (
	"fmt"
	"io"
)

// ReachLimitError 代表請求內容超過大小上限
type ReachLimitError struct {
	MaxBytes int64
}

func (e *ReachLimitError) Error() string {
	return fmt.Sprintf("reach limit of %s", FormatBytes(e.MaxBytes))
}

// NewMaxSizeReader 限制最多讀取 maxSize 個位元組，超過時回傳 ReachLimitError
// maxSize 小於等於 0 代表不限制
func NewMaxSizeReader(r io.Reader, maxSize int64) io.Reader {
	if maxSize <= 0 {
		return r
	}
	return &maxSizeReader{reader: r, limit: maxSize, remain: maxSize}
}

type maxSizeReader struct {
	reader io.Reader
	limit  int64
	remain int64
}

func (r *maxSizeReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 只需要多讀 1 個位元組就能判斷是否超過上限
	if int64(len(p)) > r.remain+1 {
		p = p[:r.remain+1]
	}
	n, err = r.reader.Read(p)
	if int64(n) <= r.remain {
		r.remain -= int64(n)
		return n, err
	}
	n = int(r.remain)
	r.remain = 0
	return n, &ReachLimitError{MaxBytes: r.limit}
}
