package progress

import (
	"io"
	"time"
)

// ProgressReader wraps an io.Reader and reports progress via a callback.
//
// Reports are coalesced: a callback fires once at least reportInterval bytes
// have been read since the previous report and at least minGap time has
// passed. Flush always reports the exact current value.
type ProgressReader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(written int64, total int64)

	totalRead      int64 // cumulative total, starting at the resume offset
	lastReport     int64 // bytes since last report
	lastReportAt   time.Time
	reportInterval int64 // bytes
	minGap         time.Duration
	now            func() time.Time
}

func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
		now:            time.Now,
	}
}

// WithStart sets the byte count already present before the first Read.
func (pr *ProgressReader) WithStart(offset int64) *ProgressReader {
	pr.totalRead = offset

	return pr
}

// WithMinInterval bounds how often the callback may fire.
func (pr *ProgressReader) WithMinInterval(d time.Duration) *ProgressReader {
	pr.minGap = d
	pr.lastReportAt = pr.now()

	return pr
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval && pr.gapElapsed() {
			pr.report()
		}
	}

	return n, err
}

// Written returns the cumulative byte count.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

// Flush reports the exact current value regardless of the coalescing policy.
func (pr *ProgressReader) Flush() {
	pr.report()
}

func (pr *ProgressReader) gapElapsed() bool {
	return pr.minGap <= 0 || pr.now().Sub(pr.lastReportAt) >= pr.minGap
}

func (pr *ProgressReader) report() {
	pr.lastReport = 0
	pr.lastReportAt = pr.now()

	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}
