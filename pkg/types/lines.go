package types

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
)

// SplitLines splits data into lines, keeping the trailing newline on each
// line. The final line may be unterminated.
func SplitLines(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLines concatenates lines back into one byte slice.
func JoinLines(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
	}
	return buf.Bytes()
}

// LinesLen returns the total byte length of lines.
func LinesLen(lines [][]byte) int {
	n := 0
	for _, line := range lines {
		n += len(line)
	}
	return n
}

// SHA1Lines returns the hex sha1 of the concatenated lines.
func SHA1Lines(lines [][]byte) string {
	h := sha1.New()
	for _, line := range lines {
		h.Write(line)
	}
	return hex.EncodeToString(h.Sum(nil))
}
