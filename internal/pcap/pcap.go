// Package pcap reads and writes classic libpcap capture streams. It covers
// just enough of the format for the network stack's packet taps: the 24-byte
// global header and microsecond-resolution packet records.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Common link-layer (DLT) identifiers used in pcap global headers.
// The values match the tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
)

const (
	magicNumber  = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16
)

var (
	// ErrHeaderAlreadyWritten indicates the global header has already been
	// emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the global header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
	// ErrBadMagic indicates the stream does not start with a little-endian
	// classic pcap header.
	ErrBadMagic = errors.New("pcap: bad magic number")
)

// CaptureInfo describes metadata associated with a captured packet.
// Timestamp uses microsecond resolution when serialized into the pcap record.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits classic libpcap-formatted streams.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps the supplied io.Writer. The caller must invoke
// WriteFileHeader once before any packets are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header. It must be called
// exactly once per Writer instance before WritePacket is used.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicNumber)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)  // thiszone
	binary.LittleEndian.PutUint32(hdr[12:16], 0) // sigfigs
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends a captured packet record to the stream. Packets longer
// than the snap length are truncated to it, with the record's original
// length preserved.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	if ci.CaptureLength < 0 || ci.Length < 0 {
		return fmt.Errorf("pcap: negative length (capture %d, original %d)",
			ci.CaptureLength, ci.Length)
	}
	if ci.CaptureLength > len(data) {
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d",
			ci.CaptureLength, len(data))
	}
	if ci.Length > math.MaxUint32 {
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}

	captureLen := ci.CaptureLength
	if w.snapLen != 0 && uint32(captureLen) > w.snapLen {
		captureLen = int(w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(captureLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if captureLen == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:captureLen]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// Reader consumes classic libpcap-formatted streams produced by Writer.
type Reader struct {
	r        io.Reader
	snapLen  uint32
	linkType uint32
}

// NewReader parses the global header from in and returns a Reader positioned
// at the first packet record.
func NewReader(in io.Reader) (*Reader, error) {
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magicNumber {
		return nil, ErrBadMagic
	}
	return &Reader{
		r:        in,
		snapLen:  binary.LittleEndian.Uint32(hdr[16:20]),
		linkType: binary.LittleEndian.Uint32(hdr[20:24]),
	}, nil
}

// SnapLen returns the stream's snapshot length.
func (r *Reader) SnapLen() uint32 { return r.snapLen }

// LinkType returns the stream's link-layer type.
func (r *Reader) LinkType() uint32 { return r.linkType }

// ReadPacket returns the next record's metadata and payload. It returns
// io.EOF at a clean end of stream.
func (r *Reader) ReadPacket() (CaptureInfo, []byte, error) {
	var rec [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return CaptureInfo{}, nil, io.EOF
		}
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read record header: %w", err)
	}

	tsSec := binary.LittleEndian.Uint32(rec[0:4])
	tsUsec := binary.LittleEndian.Uint32(rec[4:8])
	captureLen := binary.LittleEndian.Uint32(rec[8:12])
	origLen := binary.LittleEndian.Uint32(rec[12:16])

	if r.snapLen != 0 && captureLen > r.snapLen {
		return CaptureInfo{}, nil, fmt.Errorf(
			"pcap: record capture length %d exceeds snap length %d", captureLen, r.snapLen)
	}

	data := make([]byte, captureLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read packet data: %w", err)
	}

	ci := CaptureInfo{
		Timestamp:     time.Unix(int64(tsSec), int64(tsUsec)*1_000),
		CaptureLength: int(captureLen),
		Length:        int(origLen),
	}
	return ci, data, nil
}
