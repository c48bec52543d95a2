package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rafabd1/wcvs/internal/utils"
)

// clearLine erases the current terminal line and returns the cursor.
const clearLine = "\033[2K\r"

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// ProgressBar draws a single status line on a terminal. On anything that is
// not a terminal it stays silent.
type ProgressBar struct {
	mu        sync.Mutex
	writer    io.Writer
	total     int
	current   int
	width     int
	refresh   time.Duration
	startTime time.Time
	prefix    string
	spinner   int
	active    bool
	paused    bool
	terminal  bool
	logger    utils.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewProgressBar creates a bar of width cells writing to w.
func NewProgressBar(w io.Writer, total, width int, terminal bool) *ProgressBar {
	if width < 10 {
		width = 10
	}
	return &ProgressBar{
		writer:   w,
		total:    total,
		width:    width,
		refresh:  250 * time.Millisecond,
		terminal: terminal,
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// NewStderrProgressBar sizes a bar for the terminal behind stderr.
func NewStderrProgressBar(total int) *ProgressBar {
	width := utils.TerminalWidth(os.Stderr, 100) - 70
	if width > 40 {
		width = 40
	}
	return NewProgressBar(os.Stderr, total, width, utils.IsTerminal(os.Stderr))
}

// Attach makes logger clear the bar before each line and redraw it after.
func (pb *ProgressBar) Attach(logger utils.Logger) {
	pb.mu.Lock()
	pb.logger = logger
	pb.mu.Unlock()
	utils.SetWriteHooks(logger, pb.MoveForLog, pb.ShowAfterLog)
}

// Start begins periodic redraws.
func (pb *ProgressBar) Start() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.active {
		return
	}
	pb.active = true
	pb.startTime = pb.now()
	if !pb.terminal {
		return
	}
	pb.wg.Add(1)
	go func() {
		defer pb.wg.Done()
		ticker := time.NewTicker(pb.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-pb.done:
				return
			case <-ticker.C:
				pb.mu.Lock()
				pb.draw()
				pb.mu.Unlock()
			}
		}
	}()
}

// Stop ends redraws, clears the line and detaches from the logger.
func (pb *ProgressBar) Stop() {
	pb.mu.Lock()
	if !pb.active {
		pb.mu.Unlock()
		return
	}
	pb.active = false
	close(pb.done)
	logger := pb.logger
	pb.logger = nil
	pb.mu.Unlock()

	pb.wg.Wait()
	if logger != nil {
		utils.SetWriteHooks(logger, nil, nil)
	}
	if pb.terminal {
		pb.mu.Lock()
		fmt.Fprint(pb.writer, clearLine)
		pb.mu.Unlock()
	}
}

// Update records progress; it matches the scan progress callback.
func (pb *ProgressBar) Update(current, total int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
	pb.total = total
	pb.draw()
}

// SetPrefix sets the label shown before the bar.
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	pb.prefix = prefix
	pb.mu.Unlock()
}

// MoveForLog clears the bar so a log line can take its place.
func (pb *ProgressBar) MoveForLog() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.paused = true
	if pb.active && pb.terminal {
		fmt.Fprint(pb.writer, clearLine)
	}
}

// ShowAfterLog redraws the bar below the log line just written.
func (pb *ProgressBar) ShowAfterLog() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.paused = false
	pb.draw()
}

// draw must be called with mu held.
func (pb *ProgressBar) draw() {
	if !pb.active || !pb.terminal || pb.paused {
		return
	}
	pb.spinner = (pb.spinner + 1) % len(spinnerChars)
	fmt.Fprint(pb.writer, clearLine+pb.status())
}

// status renders the bar line; mu must be held.
func (pb *ProgressBar) status() string {
	current, total := pb.current, pb.total
	if total <= 0 {
		current = 0
	}
	percent := 0.0
	filled := 0
	if total > 0 {
		percent = float64(current) / float64(total) * 100
		filled = pb.width * current / total
	}
	filled = min(max(filled, 0), pb.width)

	elapsed := pb.now().Sub(pb.startTime)
	var eta string
	switch {
	case total > 0 && current >= total:
		eta = "Done"
	case current > 0:
		eta = formatDuration(time.Duration(float64(elapsed) * float64(total-current) / float64(current)))
	default:
		eta = "N/A"
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)
	return fmt.Sprintf("%s%s [%s] %d/%d (%.2f%%) | Elapsed: %s | ETA: %s",
		pb.prefix, spinnerChars[pb.spinner], bar, current, total, percent, formatDuration(elapsed), eta)
}

func formatDuration(d time.Duration) string {
	s := int(d.Round(time.Second).Seconds())
	if s < 0 {
		s = 0
	}
	if s < 60 {
		return fmt.Sprintf("%ds", s)
	}
	h, m, sec := s/3600, (s/60)%60, s%60
	if h < 1 {
		return fmt.Sprintf("%dm%02ds", m, sec)
	}
	return fmt.Sprintf("%dh%02dm%02ds", h, m, sec)
}
