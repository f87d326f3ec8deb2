package recording

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/callcore/pkg/fsstore"
)

// Capture запись средствами платформы (AVAudioRecorder, MediaRecorder)
type Capture interface {
	// StartCapture получает предлагаемое имя и возвращает имя, под которым платформа
	// сохраняет файл. Пустое имя значит, что предложенное принято.
	StartCapture(ctx context.Context, filename string) (string, error)
	// StopCapture возвращает размер записанного файла
	StopCapture(ctx context.Context) (int64, error)
}

// NativeCapture backend поверх платформенной записи
type NativeCapture struct {
	capture  Capture
	mimeType string
}

// NewNativeCapture создает backend. mimeType определяет расширение файла,
// пустой тип дает audio/mp4 (m4a), как у AVAudioRecorder.
func NewNativeCapture(c Capture, mimeType string) *NativeCapture {
	if mimeType == "" {
		mimeType = "audio/mp4"
	}
	return &NativeCapture{capture: c, mimeType: mimeType}
}

func (n *NativeCapture) Start(ctx context.Context, base string) (string, string, error) {
	want := base + "." + fsstore.ExtensionFor(n.mimeType)
	name, err := n.capture.StartCapture(ctx, want)
	if err != nil {
		return "", "", err
	}
	if name == "" || name == want {
		return want, n.mimeType, nil
	}
	return name, fsstore.MimeFor(name), nil
}

func (n *NativeCapture) Stop(ctx context.Context) (int64, error) {
	return n.capture.StopCapture(ctx)
}

// BlobCapture запись, которая отдает файл целиком после остановки (MediaRecorder в WebView).
// Данные сохраняются через fsstore.
type BlobCapture struct {
	recorder BlobRecorder
	store    *fsstore.Store
	// MimeTypes предпочтения формата, берется первый поддерживаемый
	MimeTypes []string

	mu   sync.Mutex
	name string
}

// BlobRecorder платформенный рекордер с выдачей данных по остановке
type BlobRecorder interface {
	Supports(mimeType string) bool
	Begin(ctx context.Context, mimeType string) error
	End(ctx context.Context) ([]byte, error)
}

// DefaultMimeTypes порядок выбора формата записи
var DefaultMimeTypes = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/mpeg",
	"audio/wav",
}

// NewBlobCapture создает backend
func NewBlobCapture(r BlobRecorder, store *fsstore.Store) *BlobCapture {
	return &BlobCapture{recorder: r, store: store, MimeTypes: DefaultMimeTypes}
}

func (b *BlobCapture) Start(ctx context.Context, base string) (string, string, error) {
	mimeType := ""
	for _, m := range b.MimeTypes {
		if b.recorder.Supports(m) {
			mimeType = m
			break
		}
	}
	if mimeType == "" {
		return "", "", fmt.Errorf("нет поддерживаемого формата записи")
	}
	if err := b.recorder.Begin(ctx, mimeType); err != nil {
		return "", "", err
	}
	name := base + "." + fsstore.ExtensionFor(mimeType)
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
	return name, mimeType, nil
}

func (b *BlobCapture) Stop(ctx context.Context) (int64, error) {
	b.mu.Lock()
	name := b.name
	b.name = ""
	b.mu.Unlock()

	data, err := b.recorder.End(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := b.store.Save(ctx, name, data, fsstore.MimeFor(name)); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
