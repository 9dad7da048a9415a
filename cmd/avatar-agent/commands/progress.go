package commands

import (
	"io"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progress shows one bar per stage. Bars are created on the first report
// because totals are only known once work starts.
type progress struct {
	p    *mpb.Progress
	mu   sync.Mutex
	bars []*mpb.Bar
}

func newProgress(out io.Writer) *progress {
	return &progress{p: mpb.New(mpb.WithOutput(out), mpb.WithWidth(64))}
}

// track returns a func(done, total) reporter for a stage called name.
func (pr *progress) track(name string) func(done, total int) {
	var bar *mpb.Bar
	return func(done, total int) {
		pr.mu.Lock()
		if bar == nil {
			bar = pr.p.AddBar(int64(total),
				mpb.PrependDecorators(
					decor.Name(name+": "),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(
					decor.Percentage(),
					decor.Name(" "),
					decor.Elapsed(decor.ET_STYLE_GO),
				),
			)
			pr.bars = append(pr.bars, bar)
		}
		pr.mu.Unlock()
		bar.SetCurrent(int64(done))
	}
}

// wait completes or aborts every bar and flushes the output.
func (pr *progress) wait(ok bool) {
	pr.mu.Lock()
	for _, b := range pr.bars {
		if b.Completed() {
			continue
		}
		if ok {
			b.SetTotal(-1, true)
		} else {
			b.Abort(false)
		}
	}
	pr.mu.Unlock()
	pr.p.Wait()
}
