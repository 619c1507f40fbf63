// Package resources estimates the memory a job needs per chunk and checks it
// against what the host offers.
package resources

import (
	"bufio"
	"errors"
	"io"
	"os"

	errwrap "github.com/3leaps/gorum/internal/errors"
)

// GenomeSize approximates the sequence bytes of a FASTA file: its size minus
// the characters of every header line (lines starting with '>') minus one
// per header for the line terminator. It is an estimate, not a base count.
func GenomeSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errwrap.WrapEnvironment(err, "open genome "+path)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, errwrap.WrapEnvironment(err, "stat genome "+path)
	}

	headerChars, headers, err := countHeaders(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return 0, errwrap.WrapEnvironment(err, "read genome "+path)
	}

	size := info.Size() - headerChars - headers
	if size < 0 {
		size = 0
	}
	return size, nil
}

// countHeaders streams r once. Header characters exclude the newline.
func countHeaders(r *bufio.Reader) (chars, lines int64, err error) {
	lineStart := true
	inHeader := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chars, lines, nil
			}
			return 0, 0, err
		}
		switch {
		case b == '\n':
			lineStart = true
			inHeader = false
		case lineStart && b == '>':
			lineStart = false
			inHeader = true
			lines++
			chars++
		default:
			lineStart = false
			if inHeader {
				chars++
			}
		}
	}
}

// GenomeGB converts a byte count to decimal gigabytes (1e9), the unit the
// sizing heuristic is calibrated in.
func GenomeGB(size int64) float64 {
	return float64(size) / 1e9
}
