// Package source reads log files line by line for the parser, tracking the
// file's inode and rotation generation so checkpoints stay meaningful across
// log rotation.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/parser"
)

// Defaults.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMaxLineBytes = 1 << 20
)

// Compression of a source file, derived from its extension.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DetectCompression maps a file extension to a Compression.
func DetectCompression(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return CompressionGzip
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	}
	return CompressionNone
}

// Config describes one log source.
type Config struct {
	ID   string
	Path string
	// Follow keeps reading as the file grows and across rotation.
	// Compressed files are never followed.
	Follow       bool
	PollInterval time.Duration
	// MaxLineBytes bounds a single line; longer lines are cut and marked truncated.
	MaxLineBytes int
}

// File is a parser.LineSource over a file. It is not safe for concurrent use.
type File struct {
	cfg         Config
	logger      *logging.Logger
	compression Compression

	file   *os.File
	dec    io.Closer
	reader *bufio.Reader

	inode  uint64
	gen    int64
	offset int64

	// partial holds the start of a line whose terminator has not been read.
	partial    []byte
	partialLen int64
}

// Open opens the source and positions it at the checkpoint, if any. A
// checkpoint naming a different inode, or an offset past the end of the
// file, means the file was rotated or truncated while the loader was
// stopped: reading restarts at offset 0 of the next generation.
func Open(cfg Config, cp *models.Checkpoint, logger *logging.Logger) (*File, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = logging.Default()
	}

	f := &File{
		cfg:         cfg,
		logger:      logger.With(logging.Source(cfg.ID)),
		compression: DetectCompression(cfg.Path),
	}
	if f.compression != CompressionNone && cfg.Follow {
		f.logger.Warn("compressed source cannot be followed; reading once", "path", cfg.Path)
		f.cfg.Follow = false
	}

	if err := f.open(); err != nil {
		return nil, err
	}

	if cp == nil {
		return f, nil
	}

	size, err := f.size()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	switch {
	case cp.Inode != 0 && cp.Inode != f.inode:
		f.logger.Warn("source replaced since last checkpoint; starting next generation",
			"checkpoint_inode", cp.Inode, "inode", f.inode, logging.Offset(cp.Offset))
		f.gen = cp.Generation + 1
	case f.compression == CompressionNone && size < cp.Offset:
		f.logger.Warn("source truncated since last checkpoint; starting next generation",
			"size", size, logging.Offset(cp.Offset))
		f.gen = cp.Generation + 1
	default:
		f.gen = cp.Generation
		if err := f.skip(cp.Offset); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *File) open() error {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("open source %s: %w", f.cfg.ID, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &st); err != nil {
		_ = file.Close()
		return fmt.Errorf("stat source %s: %w", f.cfg.ID, err)
	}

	var r io.Reader = file
	var dec io.Closer
	switch f.compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(file)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("open gzip source %s: %w", f.cfg.ID, err)
		}
		r, dec = gz, gz
	case CompressionZstd:
		zd, err := zstd.NewReader(file)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("open zstd source %s: %w", f.cfg.ID, err)
		}
		rc := zd.IOReadCloser()
		r, dec = rc, rc
	case CompressionLZ4:
		r = lz4.NewReader(file)
	}

	f.file = file
	f.dec = dec
	f.reader = bufio.NewReaderSize(r, 64*1024)
	f.inode = st.Ino
	f.offset = 0
	f.partial = f.partial[:0]
	f.partialLen = 0
	return nil
}

func (f *File) size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source %s: %w", f.cfg.ID, err)
	}
	return info.Size(), nil
}

// skip advances to offset, which is measured in decompressed bytes.
func (f *File) skip(offset int64) error {
	if offset <= 0 {
		return nil
	}
	if f.compression == CompressionNone {
		if _, err := f.file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek source %s: %w", f.cfg.ID, err)
		}
		f.reader.Reset(f.file)
	} else if _, err := io.CopyN(io.Discard, f.reader, offset); err != nil {
		return fmt.Errorf("skip to checkpoint in source %s: %w", f.cfg.ID, err)
	}
	f.offset = offset
	return nil
}

// Position returns the inode, generation and next read offset.
func (f *File) Position() (inode uint64, generation int64, offset int64) {
	return f.inode, f.gen, f.offset
}

// ReadLine implements parser.LineSource. In follow mode it returns
// parser.ErrNoData after waiting one poll interval without a complete line.
func (f *File) ReadLine(ctx context.Context) (parser.Line, error) {
	for {
		if err := ctx.Err(); err != nil {
			return parser.Line{}, err
		}

		complete, err := f.fill()
		if complete {
			return f.takeLine(), nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return parser.Line{}, fmt.Errorf("read source %s: %w", f.cfg.ID, err)
		}

		// End of the readable data.
		if !f.cfg.Follow {
			if f.partialLen > 0 {
				return f.takeLine(), nil
			}
			return parser.Line{}, io.EOF
		}

		rotated, err := f.checkRotation()
		if err != nil {
			return parser.Line{}, err
		}
		if rotated {
			// The tail of the old incarnation is surfaced before switching.
			if f.partialLen > 0 {
				return f.takeLine(), nil
			}
			if err := f.reopen(); err != nil {
				return parser.Line{}, err
			}
			continue
		}

		if err := sleep(ctx, f.cfg.PollInterval); err != nil {
			return parser.Line{}, err
		}
		return parser.Line{}, parser.ErrNoData
	}
}

// fill reads until a line terminator, keeping at most MaxLineBytes of the line.
func (f *File) fill() (bool, error) {
	for {
		chunk, err := f.reader.ReadSlice('\n')
		f.partialLen += int64(len(chunk))
		if room := f.cfg.MaxLineBytes + 1 - len(f.partial); room > 0 {
			keep := chunk
			if len(keep) > room {
				keep = keep[:room]
			}
			f.partial = append(f.partial, keep...)
		}
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return false, err
		}
	}
}

func (f *File) takeLine() parser.Line {
	text := bytes.TrimSuffix(f.partial, []byte("\n"))
	text = bytes.TrimSuffix(text, []byte("\r"))
	truncated := len(text) > f.cfg.MaxLineBytes
	if truncated {
		text = text[:f.cfg.MaxLineBytes]
	}

	line := parser.Line{
		Offset:     f.offset,
		End:        f.offset + f.partialLen,
		Text:       string(text),
		Truncated:  truncated,
		Inode:      f.inode,
		Generation: f.gen,
	}
	f.offset = line.End
	f.partial = f.partial[:0]
	f.partialLen = 0
	return line
}

// checkRotation reports whether the path now names a different file or the
// file shrank below the read position.
func (f *File) checkRotation() (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(f.cfg.Path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			// Mid-rotation: the old file is gone and the new one not yet created.
			return false, nil
		}
		return false, fmt.Errorf("stat source %s: %w", f.cfg.ID, err)
	}
	if st.Ino != f.inode {
		f.logger.Info("source rotated", "old_inode", f.inode, "inode", st.Ino, logging.Generation(f.gen+1))
		return true, nil
	}
	if st.Size < f.offset+f.partialLen {
		f.logger.Warn("source truncated in place", "size", st.Size, logging.Offset(f.offset), logging.Generation(f.gen+1))
		return true, nil
	}
	return false, nil
}

func (f *File) reopen() error {
	if err := f.closeHandles(); err != nil {
		f.logger.Warn("close rotated source", logging.Error(err))
	}
	if err := f.open(); err != nil {
		return err
	}
	f.gen++
	return nil
}

// Close releases the file.
func (f *File) Close() error {
	return f.closeHandles()
}

func (f *File) closeHandles() error {
	var errs []error
	if f.dec != nil {
		errs = append(errs, f.dec.Close())
		f.dec = nil
	}
	if f.file != nil {
		errs = append(errs, f.file.Close())
		f.file = nil
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ parser.LineSource = (*File)(nil)
