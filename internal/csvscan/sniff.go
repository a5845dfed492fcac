package csvscan

import (
	"bytes"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidateDelimiters is ordered so that a tie keeps the comma.
var candidateDelimiters = []rune{',', ';', '\t', '|'}

// looksBinary reports whether the sample contains NUL bytes, which never
// appear in delimited text.
func looksBinary(sample []byte) bool {
	return bytes.IndexByte(sample, 0) >= 0
}

// isUTF8 validates the sample, tolerating a multi-byte sequence cut off by the
// end of the sample window when more input follows.
func isUTF8(sample []byte, truncated bool) bool {
	for len(sample) > 0 {
		r, size := utf8.DecodeRune(sample)
		if r == utf8.RuneError && size <= 1 {
			return truncated && len(sample) < utf8.UTFMax && !utf8.FullRune(sample)
		}
		sample = sample[size:]
	}
	return true
}

// firstLine returns the first line of the sample that has any non-space content.
func firstLine(sample []byte) []byte {
	for len(sample) > 0 {
		line := sample
		if i := bytes.IndexByte(sample, '\n'); i >= 0 {
			line, sample = sample[:i], sample[i+1:]
		} else {
			sample = nil
		}
		if len(bytes.TrimSpace(line)) > 0 {
			return line
		}
	}
	return nil
}

// detectDelimiter picks the candidate that splits the header line into the
// most fields. Delimiters inside double-quoted sections are ignored.
func detectDelimiter(header []byte) rune {
	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if n := countOutsideQuotes(header, byte(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func countOutsideQuotes(line []byte, delim byte) int {
	n, quoted := 0, false
	for _, b := range line {
		switch {
		case b == '"':
			quoted = !quoted
		case b == delim && !quoted:
			n++
		}
	}
	return n
}
