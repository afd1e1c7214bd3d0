package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fmueller/tsscribe/internal/pipeline"
	"github.com/schollz/progressbar/v3"
)

// batchProgress shows which file of a convert batch is being worked on. A
// disabled progress is a no-op.
type batchProgress struct {
	bar   *progressbar.ProgressBar
	total int
}

func newBatchProgress(enabled bool, w io.Writer, total int) *batchProgress {
	if !enabled || total == 0 {
		return &batchProgress{total: total}
	}

	bar := progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(fmt.Sprintf("Converting %d file(s)", total)),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowCount(),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionThrottle(80*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return &batchProgress{bar: bar, total: total}
}

// track wraps each upload so opening it, which the pipeline does once the file
// is reached, moves the bar to that file.
func (p *batchProgress) track(uploads []pipeline.Upload) []pipeline.Upload {
	if p.bar == nil {
		return uploads
	}

	tracked := make([]pipeline.Upload, len(uploads))
	for i, upload := range uploads {
		open := upload.Open
		tracked[i] = pipeline.Upload{
			Name: upload.Name,
			Open: func() (io.ReadCloser, error) {
				p.reach(i, upload.Name)
				return open()
			},
		}
	}
	return tracked
}

func (p *batchProgress) reach(index int, name string) {
	_ = p.bar.Set(index)
	p.bar.Describe(fmt.Sprintf("[%d/%d] %s", index+1, p.total, name))
}

func (p *batchProgress) finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
