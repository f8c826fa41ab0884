package journal

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// TempPrefix marks a journal file that is still being written.
const TempPrefix = "_"

// filenameTimeLayout sorts lexically in creation order.
const filenameTimeLayout = "20060102.150405.000"

// TimestampLayout is used for timestamps inside journal files.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// TempName returns the in-progress name for a permanent file name.
func TempName(filename string) string {
	return TempPrefix + filename
}

// FilenameGenerator produces strictly increasing timestamped file names.
type FilenameGenerator struct {
	prefix string
	mu     sync.Mutex
	last   time.Time
}

func NewFilenameGenerator(prefix string) *FilenameGenerator {
	return &FilenameGenerator{prefix: prefix}
}

// Next returns the name for a file created at now. If now does not advance past
// the previous name at millisecond precision, it is bumped by one millisecond.
func (g *FilenameGenerator) Next(now time.Time) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := now.UTC().Truncate(time.Millisecond)
	if !g.last.IsZero() && !ts.After(g.last) {
		ts = g.last.Add(time.Millisecond)
	}
	g.last = ts
	return g.prefix + ts.Format(filenameTimeLayout), ts
}

// ListJournalFiles returns the names of completed journal files in dir with
// the given prefix, sorted by name.
func ListJournalFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CheckClockRegression refuses to start a writer when an existing journal file
// in dir, finished or in progress, would sort at or after the next name gen
// generates at now.
func CheckClockRegression(dir string, gen *FilenameGenerator, now time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("journal: failed to list %s: %w", dir, err)
	}

	probe := gen.prefix + now.UTC().Truncate(time.Millisecond).Format(filenameTimeLayout)

	for _, e := range entries {
		name := strings.TrimPrefix(e.Name(), TempPrefix)
		if !strings.HasPrefix(name, gen.prefix) {
			continue
		}
		if name >= probe {
			return configErrorf("", "existing journal file %s sorts after new file %s; has the clock gone backwards?", e.Name(), probe)
		}
	}
	return nil
}
