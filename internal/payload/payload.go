// Package payload turns user input (typed text or a chosen file) into bytes
// for the central to transfer.
package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chaz8081/gattlink/internal/config"
)

var (
	// ErrTooLarge is returned for files over the configured size cap.
	ErrTooLarge = errors.New("payload: file too large")
	// ErrNotRegular is returned for directories, devices and other non-files.
	ErrNotRegular = errors.New("payload: not a regular file")
)

// Sender is the interface the central exposes for outbound transfers.
type Sender interface {
	Send(payload []byte) error
	SendFile(content []byte) error
}

// TextSender sends typed text as UTF-8 bytes.
type TextSender struct {
	sender Sender
}

// NewTextSender creates a TextSender backed by the given sender.
// Panics if sender is nil (programmer error).
func NewTextSender(sender Sender) *TextSender {
	if sender == nil {
		panic("payload: NewTextSender called with nil sender")
	}
	return &TextSender{sender: sender}
}

// SendText sends text. Empty text is a no-op.
func (t *TextSender) SendText(text string) error {
	if text == "" {
		return nil
	}
	return t.sender.Send([]byte(text))
}

// File is a selected file ready to send.
type File struct {
	Name    string
	Path    string
	Content []byte
}

// FileSender selects files from disk and sends their content.
type FileSender struct {
	sender   Sender
	maxBytes int64
}

// NewFileSender creates a FileSender that refuses files larger than
// maxBytes. Panics if sender is nil (programmer error).
func NewFileSender(sender Sender, maxBytes int64) *FileSender {
	if sender == nil {
		panic("payload: NewFileSender called with nil sender")
	}
	return &FileSender{sender: sender, maxBytes: maxBytes}
}

// Select reads the file at path. A leading ~ is expanded to the home
// directory.
func (f *FileSender) Select(path string) (File, error) {
	path = config.ExpandTilde(path)

	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("payload: %w", err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if f.maxBytes > 0 && info.Size() > f.maxBytes {
		return File{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, info.Size(), f.maxBytes)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("payload: read %s: %w", path, err)
	}
	return File{Name: filepath.Base(path), Path: path, Content: content}, nil
}

// SendPath selects the file at path and starts sending it.
func (f *FileSender) SendPath(path string) (File, error) {
	file, err := f.Select(path)
	if err != nil {
		return File{}, err
	}
	if err := f.sender.SendFile(file.Content); err != nil {
		return File{}, err
	}
	return file, nil
}
