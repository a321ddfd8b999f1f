package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker displays byte progress for a single upload or download
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	label     string
	startTime time.Time
	total     int64
	current   int64
	mutex     sync.RWMutex
}

// TransferSummary contains final transfer statistics
type TransferSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	Address      string
}

// NewProgressTracker creates a byte progress bar labelled with label
func NewProgressTracker(total int64, label string, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		out:       os.Stderr,
		label:     label,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }}`
		bar := pb.New64(total).SetTemplateString(tmpl)
		bar.SetWriter(tracker.out)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", label+": ")
		tracker.bar = bar.Start()
	}

	return tracker
}

// Reader wraps r so reads advance the tracker
func (p *ProgressTracker) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, tracker: p}
}

// Add records n transferred bytes
func (p *ProgressTracker) Add(n int64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current += n
	if p.bar != nil {
		p.bar.SetCurrent(p.current)
	}
}

// Finish completes the bar and returns the transfer summary
func (p *ProgressTracker) Finish(address string) *TransferSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	totalTime := time.Since(p.startTime)
	if p.bar != nil {
		p.bar.Finish()
	}

	var averageSpeed float64
	if totalTime > 0 {
		averageSpeed = float64(p.current) / totalTime.Seconds()
	}

	summary := &TransferSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		Address:      address,
	}

	if !p.quiet {
		fmt.Fprintf(p.out, "%s: %s in %v (%s/s)\n", p.label, formatBytes(summary.TotalBytes),
			summary.TotalTime.Round(time.Millisecond), formatBytes(int64(summary.AverageSpeed)))
	}

	return summary
}

// Percentage returns how much of the expected total has been transferred
func (p *ProgressTracker) Percentage() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.total <= 0 {
		return 0
	}
	return float64(p.current) / float64(p.total) * 100
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

type countingReader struct {
	r       io.Reader
	tracker *ProgressTracker
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.tracker.Add(int64(n))
	}
	return n, err
}

// ItemProgress counts discrete items, such as chapter illustrations, on a pb bar.
// It implements internal.ProgressReporter; Start may be called again for each retry round.
type ItemProgress struct {
	mutex sync.Mutex
	bar   *pb.ProgressBar
	quiet bool
	out   io.Writer
	done  int
}

// NewItemProgress creates an item counter writing to stderr
func NewItemProgress(quiet bool) *ItemProgress {
	return &ItemProgress{quiet: quiet, out: os.Stderr}
}

// Start begins a new bar of total items
func (p *ItemProgress) Start(total int, label string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil {
		p.bar.Finish()
	}
	p.done = 0
	if p.quiet {
		return
	}
	tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }}`
	bar := pb.ProgressBarTemplate(tmpl).New(total)
	bar.SetWriter(p.out)
	bar.Set("prefix", label+": ")
	p.bar = bar.Start()
}

// Increment marks one item as settled
func (p *ItemProgress) Increment() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.done++
	if p.bar != nil {
		p.bar.Increment()
	}
}

// Finish closes the current bar
func (p *ItemProgress) Finish() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil {
		p.bar.Finish()
		p.bar = nil
	}
}

// Done returns the number of items settled since the last Start
func (p *ItemProgress) Done() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.done
}

// formatBytes formats byte count as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
