package archive

import (
	"bytes"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFileWriter satisfies source.ParquetFile over a byte buffer so a
// parquet object can be assembled without touching disk.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return m, nil
}

func (m *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return m, nil
}

// Seek reports the current end of the buffer. The parquet writer only
// appends, so no real repositioning is needed.
func (m *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFileWriter) Read(b []byte) (int, error) {
	return m.buffer.Read(b)
}

func (m *memoryFileWriter) Write(b []byte) (int, error) {
	return m.buffer.Write(b)
}

func (m *memoryFileWriter) Close() error {
	return nil
}

func (m *memoryFileWriter) Bytes() []byte {
	return m.buffer.Bytes()
}
