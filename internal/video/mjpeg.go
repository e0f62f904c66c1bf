package video

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

const maxJPEGSize = 16 << 20

// MJPEGReader splits a concatenated JPEG byte stream, as produced by
// `-f image2pipe -vcodec mjpeg`, into individual images.
type MJPEGReader struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

// NewMJPEGReader wraps r
func NewMJPEGReader(r io.Reader) *MJPEGReader {
	return &MJPEGReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete JPEG (SOI through EOI).
// The returned slice is only valid until the next call.
func (m *MJPEGReader) Next() ([]byte, error) {
	m.buf.Reset()

	// skip to SOI
	var prev byte
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}
	m.buf.Write([]byte{0xFF, 0xD8})

	prev = 0
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		m.buf.WriteByte(b)
		if prev == 0xFF && b == 0xD9 {
			return m.buf.Bytes(), nil
		}
		prev = b
		if m.buf.Len() > maxJPEGSize {
			return nil, fmt.Errorf("jpeg frame exceeds %d bytes", maxJPEGSize)
		}
	}
}
