package batch

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const exportHeader = "Complete ALL of the following tasks. Number your responses clearly."

var taskLine = regexp.MustCompile(`\*\*Task \d+ \[([^\]]+)\]:\*\* (.+)`)

// Export writes b in the numbered prompt format read back by ParseImport.
func Export(w io.Writer, b *Batch) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, exportHeader)
	for i, t := range b.Tasks {
		desc := strings.ReplaceAll(t.Description, "\n", " ")
		fmt.Fprintf(bw, "\n**Task %d [%s]:** %s\n", i+1, t.ID, desc)
	}
	return bw.Flush()
}

// Entry is one task line parsed from an exported batch file.
type Entry struct {
	ID          string
	Description string
}

// ParseImport extracts task entries from an exported batch file. Lines that
// do not match the task format are ignored.
func ParseImport(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		m := taskLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		desc := strings.TrimSpace(m[2])
		if desc == "" {
			continue
		}
		out = append(out, Entry{ID: m[1], Description: desc})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return out, nil
}
