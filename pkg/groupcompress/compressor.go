package groupcompress

import (
	"bytes"
	"fmt"

	"github.com/quiltvcs/quilt/pkg/types"
)

// GroupCompressor accumulates many texts into one growing buffer of
// copy/insert instructions. Unlike the multi-parent engine it matches
// each new text against everything already written to the buffer, not
// only against declared parents, so unrelated texts can share bytes.
//
// A compressor is purely in memory; callers persist the buffer by
// flushing it (see GroupStore) and lose unflushed records on a crash.
type GroupCompressor struct {
	lines       [][]byte
	lineOffsets []int
	out         bytes.Buffer
	endpoint    int
	inputBytes  int
	locations   *EquivalenceTable
	spans       map[string]recordSpan
}

// recordSpan locates one record inside the buffer, in both line and
// byte coordinates.
type recordSpan struct {
	startLine, endLine int
	startByte, endByte int
}

// NewGroupCompressor creates an empty group.
func NewGroupCompressor() *GroupCompressor {
	return &GroupCompressor{
		locations: NewEquivalenceTable(),
		spans:     make(map[string]recordSpan),
	}
}

// copyRun is a run of lines matched against earlier buffer content:
// rangeLen lines starting at newStart in the input, copying from
// copyStart in the buffer.
type copyRun struct {
	copyStart int
	newStart  int
	rangeLen  int
}

// Compress appends lines to the group under key and returns the content
// sha1 and the buffer endpoint after the record. A key with an empty
// trailing element is completed to "sha1:<hex>". When expectedSHA is
// set, a mismatch with the computed hash fails before anything is
// written.
func (c *GroupCompressor) Compress(key types.Key, lines [][]byte, expectedSHA string) (types.Key, string, int, error) {
	sha := types.SHA1Lines(lines)
	if expectedSHA != "" && expectedSHA != sha {
		return nil, "", 0, fmt.Errorf("sha1 mismatch for %s: got %s want %s: %w",
			key, sha, expectedSHA, types.ErrCorrupt)
	}
	key = key.WithSHA1(sha)
	label := key.ID()
	inputLen := types.LinesLen(lines)

	// The buffer is line oriented; store an unterminated final line with
	// a newline appended and let len: restore the truth on extraction.
	stored := lines
	if n := len(lines); n > 0 && !bytes.HasSuffix(lines[n-1], []byte("\n")) {
		stored = make([][]byte, n)
		copy(stored, lines)
		stored[n-1] = append(append([]byte{}, lines[n-1]...), '\n')
	}

	newLines := [][]byte{
		[]byte("label: " + label + "\n"),
		[]byte("sha1: " + sha + "\n"),
		[]byte(fmt.Sprintf("len: %d\n", inputLen)),
	}
	indexFlags := []bool{false, false, false}

	cur := 0
	var group []copyRun
	flushGroup := func() {
		c.flushMulti(group, stored, &newLines, &indexFlags)
		group = group[:0]
	}
	for _, run := range c.matchRuns(stored) {
		if run.newStart != cur {
			flushGroup()
			c.flushRange(cur, -1, run.newStart-cur, stored, &newLines, &indexFlags)
		}
		group = append(group, run)
		cur = run.newStart + run.rangeLen
	}
	flushGroup()
	if cur != len(stored) {
		c.flushRange(cur, -1, len(stored)-cur, stored, &newLines, &indexFlags)
	}

	startLine, startByte := len(c.lines), c.endpoint
	c.outputLines(newLines, indexFlags)
	c.inputBytes += inputLen
	c.spans[label] = recordSpan{
		startLine: startLine,
		endLine:   len(c.lines),
		startByte: startByte,
		endByte:   c.endpoint,
	}
	return key, sha, c.endpoint, nil
}

// matchRuns walks the input and collects the maximal runs of lines that
// match contiguous earlier buffer content.
func (c *GroupCompressor) matchRuns(lines [][]byte) []copyRun {
	var runs []copyRun
	pos := 0
	var locations []int
	haveLocations := false
	for pos < len(lines) {
		var run *copyRun
		run, pos, locations, haveLocations = c.longestMatch(lines, pos, locations, haveLocations)
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs
}

// longestMatch extends a match from pos for as long as some single
// buffer location keeps matching consecutive input lines. It returns
// the run (nil when pos matches nothing), the next position to resume
// from, and any already-fetched locations for that position.
func (c *GroupCompressor) longestMatch(lines [][]byte, pos int, locations []int, haveLocations bool) (*copyRun, int, []int, bool) {
	rangeStart := pos
	rangeLen := 0
	var copyEnds map[int]bool
	for pos < len(lines) {
		if !haveLocations {
			locations = c.locations.Matches(lines[pos])
			haveLocations = true
		}
		if locations == nil {
			// No matches at all for this line; it cannot begin or extend
			// any run.
			pos++
			haveLocations = false
			break
		}
		if copyEnds == nil {
			copyEnds = make(map[int]bool, len(locations))
			for _, loc := range locations {
				copyEnds[loc+1] = true
			}
			rangeLen = 1
			haveLocations = false
		} else {
			next := make(map[int]bool)
			for _, loc := range locations {
				if copyEnds[loc] {
					next[loc+1] = true
				}
			}
			if len(next) == 0 {
				// The run ends here; keep the fetched locations for the
				// next call so they are not looked up twice.
				break
			}
			copyEnds = next
			rangeLen++
			haveLocations = false
		}
		pos++
	}
	if copyEnds == nil {
		return nil, pos, locations, haveLocations
	}
	minEnd := -1
	for end := range copyEnds {
		if minEnd < 0 || end < minEnd {
			minEnd = end
		}
	}
	return &copyRun{copyStart: minEnd - rangeLen, newStart: rangeStart, rangeLen: rangeLen}, pos, locations, haveLocations
}

// flushMulti emits a stretch of adjacent copy runs. When the stretch is
// so fragmented that it takes more than one instruction per two copied
// lines, the whole stretch is expanded into a single literal insert
// instead, which also makes its content matchable by later texts.
func (c *GroupCompressor) flushMulti(runs []copyRun, lines [][]byte, newLines *[][]byte, indexFlags *[]bool) {
	if len(runs) == 0 {
		return
	}
	if len(runs) > 2 {
		totalCopied := 0
		for _, run := range runs {
			totalCopied += run.rangeLen
		}
		if 2*len(runs) > totalCopied {
			c.flushRange(runs[0].newStart, -1, totalCopied, lines, newLines, indexFlags)
			return
		}
	}
	for _, run := range runs {
		c.flushRange(run.newStart, run.copyStart, run.rangeLen, lines, newLines, indexFlags)
	}
}

// flushRange emits one instruction for rangeLen input lines starting at
// rangeStart: a copy of the matching buffer bytes when copyStart >= 0
// and the copy serializes smaller than the literal, otherwise an insert
// followed by the raw lines.
func (c *GroupCompressor) flushRange(rangeStart, copyStart, rangeLen int, lines [][]byte, newLines *[][]byte, indexFlags *[]bool) {
	insertInstruction := []byte(fmt.Sprintf("i,%d\n", rangeLen))
	if copyStart >= 0 {
		stopByte := c.lineOffsets[copyStart+rangeLen-1]
		startByte := 0
		if copyStart > 0 {
			startByte = c.lineOffsets[copyStart-1]
		}
		copied := stopByte - startByte
		copyInstruction := []byte(fmt.Sprintf("c,%d,%d\n", startByte, copied))
		if copied+len(insertInstruction) > len(copyInstruction) {
			*newLines = append(*newLines, copyInstruction)
			*indexFlags = append(*indexFlags, false)
			return
		}
	}
	// Not copying, or inserting is no larger than copying.
	*newLines = append(*newLines, insertInstruction)
	*indexFlags = append(*indexFlags, false)
	for _, line := range lines[rangeStart : rangeStart+rangeLen] {
		*newLines = append(*newLines, line)
		*indexFlags = append(*indexFlags, copyStart < 0)
	}
}

// outputLines appends the record lines to the buffer and feeds the
// equivalence table.
func (c *GroupCompressor) outputLines(newLines [][]byte, indexFlags []bool) {
	c.locations.ExtendLines(newLines, indexFlags)
	for _, line := range newLines {
		c.endpoint += len(line)
		c.lineOffsets = append(c.lineOffsets, c.endpoint)
		c.out.Write(line)
	}
	c.lines = append(c.lines, newLines...)
}

// Extract re-materializes a key previously compressed into this group.
func (c *GroupCompressor) Extract(key types.Key) ([][]byte, string, error) {
	span, ok := c.spans[key.ID()]
	if !ok {
		return nil, "", fmt.Errorf("record %s: %w", key, types.ErrMissingKey)
	}
	return expandRecord(c.out.Bytes(), c.lines[span.startLine:span.endLine], key.ID())
}

// Bytes returns the raw, uncompressed buffer content.
func (c *GroupCompressor) Bytes() []byte {
	return c.out.Bytes()
}

// Endpoint returns the buffer length in bytes.
func (c *GroupCompressor) Endpoint() int {
	return c.endpoint
}

// Ratio returns input bytes over buffer bytes written. It is a metric,
// not a correctness input.
func (c *GroupCompressor) Ratio() float64 {
	if c.endpoint == 0 {
		return 0
	}
	return float64(c.inputBytes) / float64(c.endpoint)
}
