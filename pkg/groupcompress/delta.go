package groupcompress

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/quiltvcs/quilt/pkg/types"
)

// instruction is one decoded record body op: 'i' carries n literal
// lines, 'c' copies count bytes starting at start in the shared buffer.
type instruction struct {
	op           byte
	start, count int
	lines        [][]byte
}

// parseRecord decodes a record's header and instruction stream from its
// line span inside a group buffer.
func parseRecord(lines [][]byte) (label, sha string, length int, instrs []instruction, err error) {
	if len(lines) < 3 {
		return "", "", 0, nil, fmt.Errorf("%w: record truncated to %d lines", types.ErrCorrupt, len(lines))
	}
	labelLine, shaLine, lenLine := lines[0], lines[1], lines[2]
	if !bytes.HasPrefix(labelLine, []byte("label: ")) ||
		!bytes.HasPrefix(shaLine, []byte("sha1: ")) ||
		!bytes.HasPrefix(lenLine, []byte("len: ")) {
		return "", "", 0, nil, fmt.Errorf("%w: bad record header", types.ErrCorrupt)
	}
	label = string(chomp(labelLine[7:]))
	sha = string(chomp(shaLine[6:]))
	length, err = strconv.Atoi(string(chomp(lenLine[5:])))
	if err != nil {
		return "", "", 0, nil, fmt.Errorf("%w: bad record length %q", types.ErrCorrupt, lenLine)
	}

	for i := 3; i < len(lines); i++ {
		line := lines[i]
		if len(line) < 3 || line[1] != ',' {
			return "", "", 0, nil, fmt.Errorf("%w: bad instruction %q", types.ErrCorrupt, line)
		}
		switch line[0] {
		case 'i':
			n, err := strconv.Atoi(string(chomp(line[2:])))
			if err != nil || n < 0 {
				return "", "", 0, nil, fmt.Errorf("%w: bad insert instruction %q", types.ErrCorrupt, line)
			}
			if i+n >= len(lines) && n > 0 {
				return "", "", 0, nil, fmt.Errorf("%w: insert of %d lines overruns record", types.ErrCorrupt, n)
			}
			instrs = append(instrs, instruction{op: 'i', lines: lines[i+1 : i+1+n]})
			i += n
		case 'c':
			parts := bytes.Split(chomp(line[2:]), []byte(","))
			if len(parts) != 2 {
				return "", "", 0, nil, fmt.Errorf("%w: bad copy instruction %q", types.ErrCorrupt, line)
			}
			start, err1 := strconv.Atoi(string(parts[0]))
			count, err2 := strconv.Atoi(string(parts[1]))
			if err1 != nil || err2 != nil || start < 0 || count < 0 {
				return "", "", 0, nil, fmt.Errorf("%w: bad copy instruction %q", types.ErrCorrupt, line)
			}
			instrs = append(instrs, instruction{op: 'c', start: start, count: count})
		default:
			return "", "", 0, nil, fmt.Errorf("%w: unknown instruction tag %q", types.ErrCorrupt, line[0])
		}
	}
	return label, sha, length, instrs, nil
}

// expandRecord re-materializes a record against the uncompressed group
// buffer it lives in, verifying the label, the recorded literal length
// and the content hash.
func expandRecord(basis []byte, recordLines [][]byte, wantLabel string) ([][]byte, string, error) {
	label, sha, length, instrs, err := parseRecord(recordLines)
	if err != nil {
		return nil, "", err
	}
	if label != wantLabel {
		return nil, "", fmt.Errorf("%w: record label %q does not match requested key", types.ErrCorrupt, label)
	}
	var out [][]byte
	for _, ins := range instrs {
		switch ins.op {
		case 'i':
			out = append(out, ins.lines...)
		case 'c':
			// Copies may only reference bytes written before this
			// record; a copy reaching past the buffer is corruption.
			if ins.start+ins.count > len(basis) {
				return nil, "", fmt.Errorf("%w: copy [%d,%d) overruns group buffer of %d bytes",
					types.ErrCorrupt, ins.start, ins.start+ins.count, len(basis))
			}
			out = append(out, types.SplitLines(basis[ins.start:ins.start+ins.count])...)
		}
	}
	// Texts whose final line had no terminator were stored with one
	// appended; len records the true length, so trim symmetrically.
	switch got := types.LinesLen(out); {
	case got == length:
	case got == length+1 && len(out) > 0 && bytes.HasSuffix(out[len(out)-1], []byte("\n")):
		last := out[len(out)-1]
		out[len(out)-1] = last[:len(last)-1]
	default:
		return nil, "", fmt.Errorf("%w: expanded to %d bytes, record says %d", types.ErrCorrupt, got, length)
	}
	if gotSHA := types.SHA1Lines(out); gotSHA != sha {
		return nil, "", fmt.Errorf("%w: content sha1 %s does not match recorded %s", types.ErrCorrupt, gotSHA, sha)
	}
	return out, sha, nil
}

func chomp(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte("\n"))
}
