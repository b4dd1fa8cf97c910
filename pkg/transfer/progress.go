package transfer

import (
	"io"
	"time"
)

// Progress thresholds
const (
	progressReportInterval = 50 * time.Millisecond
	progressReportBytes    = 64 * 1024
)

// progressReader counts bytes read and reports them, throttled to one
// callback per 64KB or 50ms, plus one when the stream ends
type progressReader struct {
	reader         io.Reader
	read           int64
	lastReported   int64
	lastReportTime time.Time
	onProgress     func(bytesRead int64)
	err            error
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if err != nil && err != io.EOF {
		pr.err = err
	}
	if n <= 0 {
		return n, err
	}
	pr.read += int64(n)

	if pr.onProgress != nil {
		if pr.read-pr.lastReported >= progressReportBytes ||
			time.Since(pr.lastReportTime) >= progressReportInterval ||
			err != nil {
			pr.onProgress(pr.read)
			pr.lastReported = pr.read
			pr.lastReportTime = time.Now()
		}
	}
	return n, err
}
