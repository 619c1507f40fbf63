package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Format is a read file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatFASTA
	FormatFASTQ
)

func (f Format) String() string {
	switch f {
	case FormatFASTA:
		return "fasta"
	case FormatFASTQ:
		return "fastq"
	default:
		return "unknown"
	}
}

const maxLine = 16 << 20

// recordReader yields whole records as raw lines, terminators included.
type recordReader struct {
	r      *bufio.Reader
	format Format
	peek   []byte
}

func newRecordReader(r io.Reader) (*recordReader, error) {
	rr := &recordReader{r: bufio.NewReaderSize(r, 1<<20)}
	for {
		line, err := rr.readLine()
		if err != nil {
			if err == io.EOF {
				return rr, nil
			}
			return nil, err
		}
		if len(line) == 0 || line[0] == '\n' || line[0] == '\r' {
			continue
		}
		switch line[0] {
		case '>':
			rr.format = FormatFASTA
		case '@':
			rr.format = FormatFASTQ
		default:
			return nil, fmt.Errorf("unrecognized read format: first record starts with %q", line[0])
		}
		rr.peek = line
		return rr, nil
	}
}

func (rr *recordReader) readLine() ([]byte, error) {
	line, err := rr.r.ReadBytes('\n')
	if len(line) > maxLine {
		return nil, fmt.Errorf("line longer than %d bytes", maxLine)
	}
	if err == io.EOF && len(line) > 0 {
		return append(line, '\n'), nil
	}
	return line, err
}

// next returns the next record, or io.EOF.
func (rr *recordReader) next() ([]byte, error) {
	if rr.peek == nil {
		return nil, io.EOF
	}
	rec := rr.peek
	rr.peek = nil

	switch rr.format {
	case FormatFASTQ:
		for i := 0; i < 3; i++ {
			line, err := rr.readLine()
			if err != nil {
				if err == io.EOF {
					return nil, fmt.Errorf("truncated fastq record")
				}
				return nil, err
			}
			rec = append(rec, line...)
		}
		for {
			line, err := rr.readLine()
			if err != nil {
				if err == io.EOF {
					return rec, nil
				}
				return nil, err
			}
			if len(line) > 0 && line[0] != '\n' {
				rr.peek = line
				return rec, nil
			}
		}
	default:
		for {
			line, err := rr.readLine()
			if err != nil {
				if err == io.EOF {
					return rec, nil
				}
				return nil, err
			}
			if len(line) > 0 && line[0] == '>' {
				rr.peek = line
				return rec, nil
			}
			rec = append(rec, line...)
		}
	}
}

// CountRecords returns the number of records in a FASTA or FASTQ file.
func CountRecords(ctx context.Context, path string) (int, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, FormatUnknown, err
	}
	defer func() { _ = f.Close() }()

	rr, err := newRecordReader(f)
	if err != nil {
		return 0, FormatUnknown, fmt.Errorf("%s: %w", path, err)
	}
	n := 0
	for {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, rr.format, err
			}
		}
		if _, err := rr.next(); err != nil {
			if err == io.EOF {
				return n, rr.format, nil
			}
			return 0, rr.format, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
}

// SplitReads writes src into n contiguous slices without breaking records.
// Slice i (1-based) goes to dst(i); the first count%n slices get one extra
// record. Every slice file is created, even when empty.
func SplitReads(ctx context.Context, src string, n int, dst func(chunk int) string) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("chunk count must be at least 1, got %d", n)
	}
	total, _, err := CountRecords(ctx, src)
	if err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	rr, err := newRecordReader(in)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", src, err)
	}

	per, extra := total/n, total%n
	for chunk := 1; chunk <= n; chunk++ {
		want := per
		if chunk <= extra {
			want++
		}
		if err := writeSlice(ctx, rr, want, dst(chunk)); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func writeSlice(ctx context.Context, rr *recordReader, want int, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(out, 1<<20)

	for i := 0; i < want; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				_ = out.Close()
				return err
			}
		}
		rec, err := rr.next()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("split %s: %w", path, err)
		}
		if _, err := w.Write(rec); err != nil {
			_ = out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
