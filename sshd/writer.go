package sshd

import (
	"bytes"
	"io"
)

// StringWriter is how commands talk back to whoever ran them.
type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	GetWriter() io.Writer
}

type stringWriter struct {
	w io.Writer
}

// NewStringWriter wraps w, used to run commands outside of an ssh session.
func NewStringWriter(w io.Writer) StringWriter {
	return &stringWriter{w: w}
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	_, err := w.w.Write([]byte(s))
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}

// BufferWriter collects command output in memory.
type BufferWriter struct {
	stringWriter
	buf bytes.Buffer
}

func NewBufferWriter() *BufferWriter {
	b := &BufferWriter{}
	b.w = &b.buf
	return b
}

func (b *BufferWriter) String() string {
	return b.buf.String()
}
