package commitsink

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

const (
	recordHeaderLen = 12
	maxRecordLen    = 64 << 10
	logName         = "ledger.log"
)

type fileRecord struct {
	SourceID string `json:"source_id"`
	ID       uint64 `json:"id"`
}

// FileSink appends committed keys to a framed log and fsyncs on every Persist.
type FileSink struct {
	mu        sync.Mutex
	dir       string
	path      string
	file      *os.File
	writer    *bufio.Writer
	sizeBytes int64
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileSink{
		dir:    dir,
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 64<<10),
	}
	if err := s.bootstrap(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSink) Name() string { return "file" }

// bootstrap cuts off a torn record left by a crash mid-write.
func (s *FileSink) bootstrap() error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	var offset int64
	err = scanRecords(bufio.NewReader(rf), func(_ time.Time, _ []byte, n int64) error {
		offset += n
		return nil
	})
	if err != nil && !errors.Is(err, errTornRecord) {
		return err
	}
	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	return nil
}

func (s *FileSink) Persist(_ context.Context, records []ports.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}

	for _, r := range records {
		n, err := writeRecord(s.writer, r)
		if err != nil {
			return err
		}
		s.sizeBytes += n
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileSink) Load(_ context.Context, since time.Time) ([]ports.CommitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, os.ErrClosed
	}
	return s.readLocked(func(at time.Time) bool { return !at.Before(since) })
}

// Truncate rewrites the log keeping only records committed at or after before.
func (s *FileSink) Truncate(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}

	keep, err := s.readLocked(func(at time.Time) bool { return !at.Before(before) })
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	var size int64
	for _, r := range keep {
		n, err := writeRecord(w, r)
		if err != nil {
			tmp.Close()
			return err
		}
		size += n
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("swap ledger log: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		s.file = nil
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 64<<10)
	s.sizeBytes = size
	return nil
}

func (s *FileSink) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.writer.Flush()
	closeErr := s.file.Close()
	s.file = nil
	return errors.Join(flushErr, closeErr)
}

func (s *FileSink) readLocked(keep func(time.Time) bool) ([]ports.CommitRecord, error) {
	if err := s.writer.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ports.CommitRecord
	err = scanRecords(bufio.NewReader(f), func(at time.Time, body []byte, _ int64) error {
		if !keep(at) {
			return nil
		}
		var fr fileRecord
		if err := json.Unmarshal(body, &fr); err != nil {
			return fmt.Errorf("corrupt ledger entry: %w", err)
		}
		out = append(out, ports.CommitRecord{
			Key:         domain.Key{SourceID: fr.SourceID, ID: fr.ID},
			CommittedAt: at,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var errTornRecord = errors.New("torn ledger record")

// entry format: [8 bytes committed_at unix nanos][4 bytes len][len bytes json]
func writeRecord(w io.Writer, r ports.CommitRecord) (int64, error) {
	b, err := json.Marshal(fileRecord{SourceID: r.Key.SourceID, ID: r.Key.ID})
	if err != nil {
		return 0, err
	}
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(r.CommittedAt.UnixNano()))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(b); err != nil {
		return 0, err
	}
	return int64(recordHeaderLen + len(b)), nil
}

func scanRecords(r *bufio.Reader, fn func(at time.Time, body []byte, n int64) error) error {
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return errTornRecord
			}
			return fmt.Errorf("ledger scan header: %w", err)
		}
		at := time.Unix(0, int64(binary.BigEndian.Uint64(hdr[0:8])))
		l := binary.BigEndian.Uint32(hdr[8:12])
		if l > maxRecordLen {
			return errTornRecord
		}

		body := make([]byte, l)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errTornRecord
			}
			return fmt.Errorf("ledger scan body: %w", err)
		}
		if err := fn(at, body, int64(recordHeaderLen)+int64(l)); err != nil {
			return err
		}
	}
}

var _ ports.CommitSink = (*FileSink)(nil)
