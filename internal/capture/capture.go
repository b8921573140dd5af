// Package capture records bus frames to a CBOR stream and plays them back.
//
// A capture is a Header followed by any number of Records, each a separate
// CBOR data item.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// FormatVersion is written into every header.
const FormatVersion = 1

// ErrVersion is returned when a capture was written by an unknown format.
var ErrVersion = errors.New("unsupported capture version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// Direction of a captured frame.
type Direction uint8

const (
	RX Direction = iota + 1
	TX
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	}
	return fmt.Sprintf("direction(%d)", d)
}

// Header opens every capture.
type Header struct {
	Version int       `cbor:"1,keyasint"`
	Session string    `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
	// Addresses claimed when the capture started.
	Addresses []int `cbor:"4,keyasint,omitempty"`
}

// Record is one captured frame.
type Record struct {
	// Offset is the time since Header.Started.
	Offset    time.Duration `cbor:"1,keyasint"`
	Direction Direction     `cbor:"2,keyasint"`
	Frame     []byte        `cbor:"3,keyasint"`
	// Outcome is the transmit result for TX records.
	Outcome  string `cbor:"4,keyasint,omitempty"`
	Attempts int    `cbor:"5,keyasint,omitempty"`
}

// Packet decodes the record's frame.
func (r Record) Packet() (cec.Packet, error) {
	return cec.Decode(r.Frame)
}

// Writer appends records to a capture. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	enc     *cbor.Encoder
	header  Header
	closed  bool
	records int
}

// NewWriter writes a fresh header to w and returns a Writer for it.
func NewWriter(w io.Writer, started time.Time, addrs []cec.LogicalAddress) (*Writer, error) {
	h := Header{
		Version: FormatVersion,
		Session: uuid.NewString(),
		Started: started,
	}
	for _, a := range addrs {
		h.Addresses = append(h.Addresses, int(a))
	}
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	cw := &Writer{w: w, enc: enc, header: h}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw, nil
}

// Create truncates path and starts a capture in it.
func Create(path string, started time.Time, addrs []cec.LogicalAddress) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, started, addrs)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Header returns the header written at creation.
func (w *Writer) Header() Header { return w.header }

// Write appends one frame seen at t.
func (w *Writer) Write(dir Direction, frame []byte, t time.Time, outcome string, attempts int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	rec := Record{
		Offset:    t.Sub(w.header.Started),
		Direction: dir,
		Frame:     append([]byte(nil), frame...),
		Outcome:   outcome,
		Attempts:  attempts,
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	w.records++
	return nil
}

// Records returns how many records have been written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Close closes the underlying writer if it is an io.Closer. It is safe to
// call Close more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Reader streams records from a capture.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
	header Header
}

// NewReader reads and checks the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec := decMode.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	cr := &Reader{dec: dec, header: h}
	if c, ok := r.(io.Closer); ok {
		cr.closer = c
	}
	return cr, nil
}

// Open opens a capture file for reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF when the capture is exhausted.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read capture record: %w", err)
	}
	return rec, nil
}

// Close closes the underlying reader if it is an io.Closer.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
