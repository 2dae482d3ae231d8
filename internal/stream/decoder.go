package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const maxRecordBytes = 4 * 1024 * 1024

// ErrRecordTooLarge is returned when a single record exceeds the
// decoder's buffer limit. The server never produces frames near this
// size, so hitting it means the stream is corrupt.
var ErrRecordTooLarge = errors.New("stream: record exceeds size limit")

// Decoder reads `data: <json>` records from a byte stream. Partial
// reads are buffered until a complete newline-terminated record is
// available; individually malformed records are skipped rather than
// failing the stream.
type Decoder struct {
	r        io.Reader
	buf      []byte
	eof      bool
	terminal bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next well-formed record. It returns io.EOF once the
// underlying stream is exhausted or a terminal record has already been
// delivered.
func (d *Decoder) Next() (Record, error) {
	if d.terminal {
		return Record{}, io.EOF
	}
	for {
		if line, ok := d.takeLine(); ok {
			rec, ok := parseLine(line)
			if !ok {
				continue
			}
			if rec.Terminal() {
				d.terminal = true
			}
			return rec, nil
		}

		if d.eof {
			// A final record without a trailing newline is still valid.
			if rest := strings.TrimSpace(string(d.buf)); rest != "" {
				d.buf = nil
				if rec, ok := parseLine(rest); ok {
					if rec.Terminal() {
						d.terminal = true
					}
					return rec, nil
				}
			}
			return Record{}, io.EOF
		}

		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return Record{}, err
		}
	}
}

func (d *Decoder) fill() error {
	if len(d.buf) > maxRecordBytes {
		return ErrRecordTooLarge
	}
	chunk := make([]byte, 4096)
	n, err := d.r.Read(chunk)
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
	}
	if n > 0 && errors.Is(err, io.EOF) {
		d.eof = true
		return nil
	}
	return err
}

func (d *Decoder) takeLine() (string, bool) {
	for {
		idx := -1
		for i, b := range d.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", false
		}
		line := strings.TrimRight(string(d.buf[:idx]), "\r")
		d.buf = d.buf[idx+1:]
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, true
	}
}

// parseLine decodes one frame. Lines without the data prefix (SSE
// comments, event names) and records that fail to decode are dropped.
func parseLine(line string) (Record, bool) {
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return Record{}, false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, false
	}
	if rec.Type == "" {
		return Record{}, false
	}
	return rec, true
}
