package recording

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/arzzra/callcore/pkg/fsstore"
	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/rtpmedia"
)

const (
	wavHeaderSize = 44
	wavFormatPCMU = 7

	mixQueueSize    = 128
	remoteQueueSize = 10
	flushSize       = 8000 // 1 секунда u-law
)

// TapSource медиа звонка, от которого можно получать кадры
type TapSource interface {
	AddTap(t rtpmedia.Tap) func()
}

type mixFrame struct {
	local bool
	pcm   []int16
}

// MixingCapture смешивает исходящий и входящий звук в один G.711 u-law WAV файл.
// Кадры микрофона задают темп, удаленный кадр берется из очереди или заменяется тишиной.
type MixingCapture struct {
	store *fsstore.Store
	media func() TapSource
	log   logger.Logger

	mu      sync.Mutex
	file    *os.File
	name    string
	remove  func()
	frames  chan mixFrame
	done    chan struct{}
	written uint32
}

// NewMixingCapture создает backend. media возвращает медиа текущего звонка.
func NewMixingCapture(store *fsstore.Store, media func() TapSource, log logger.Logger) *MixingCapture {
	return &MixingCapture{
		store: store,
		media: media,
		log:   logger.OrNoOp(log).WithComponent("mixing-recorder"),
	}
}

func (m *MixingCapture) Start(ctx context.Context, base string) (string, string, error) {
	src := m.media()
	if src == nil {
		return "", "", errors.New("нет медиа звонка для записи")
	}
	name := base + ".wav"
	f, err := m.store.Create(name)
	if err != nil {
		return "", "", fmt.Errorf("создание файла записи: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		m.store.Delete(name)
		return "", "", fmt.Errorf("заголовок wav: %w", err)
	}

	frames := make(chan mixFrame, mixQueueSize)
	done := make(chan struct{})
	m.mu.Lock()
	m.file, m.name, m.frames, m.done, m.written = f, name, frames, done, 0
	m.mu.Unlock()

	go m.writeLoop(f, frames, done)
	remove := src.AddTap(func(local bool, pcm []int16) {
		cp := make([]int16, len(pcm))
		copy(cp, pcm)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.frames != frames {
			return
		}
		select {
		case frames <- mixFrame{local: local, pcm: cp}:
		default:
		}
	})
	m.mu.Lock()
	m.remove = remove
	m.mu.Unlock()

	return name, "audio/wav", nil
}

func (m *MixingCapture) Stop(ctx context.Context) (int64, error) {
	m.mu.Lock()
	f, name, remove, frames, done := m.file, m.name, m.remove, m.frames, m.done
	m.file, m.remove, m.frames = nil, nil, nil
	m.mu.Unlock()
	if f == nil {
		return 0, nil
	}

	if remove != nil {
		remove()
	}
	close(frames)
	<-done

	m.mu.Lock()
	size := m.written
	m.mu.Unlock()

	var errs []error
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		errs = append(errs, err)
	} else if err := writeWAVHeader(f, size); err != nil {
		errs = append(errs, err)
	}
	if err := f.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return 0, fmt.Errorf("завершение %s: %w", name, err)
	}
	return int64(size) + wavHeaderSize, nil
}

func (m *MixingCapture) writeLoop(f *os.File, frames <-chan mixFrame, done chan<- struct{}) {
	defer close(done)

	var remote [][]int16
	buf := make([]byte, 0, flushSize)
	var mixed []int16

	flush := func() {
		if len(buf) == 0 {
			return
		}
		n, err := f.Write(buf)
		if err != nil {
			m.log.Error(context.Background(), "запись wav", logger.Err(err))
		}
		m.mu.Lock()
		m.written += uint32(n)
		m.mu.Unlock()
		buf = buf[:0]
	}
	put := func(local, rem []int16) {
		mixed = rtpmedia.Mix(local, rem, mixed)
		for _, s := range mixed {
			buf = append(buf, rtpmedia.EncodeUlaw(s))
		}
		if len(buf) >= flushSize {
			flush()
		}
	}

	for fr := range frames {
		if !fr.local {
			if len(remote) >= remoteQueueSize {
				remote = remote[1:]
			}
			remote = append(remote, fr.pcm)
			continue
		}
		var rem []int16
		if len(remote) > 0 {
			rem, remote = remote[0], remote[1:]
		}
		put(fr.pcm, rem)
	}
	for _, rem := range remote {
		put(nil, rem)
	}
	flush()
}

// writeWAVHeader 44 байта заголовка WAV для G.711 u-law, 8 кГц, моно
func writeWAVHeader(w io.Writer, dataSize uint32) error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], wavHeaderSize-8+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatPCMU)
	binary.LittleEndian.PutUint16(hdr[22:24], 1)
	binary.LittleEndian.PutUint32(hdr[24:28], 8000)
	binary.LittleEndian.PutUint32(hdr[28:32], 8000)
	binary.LittleEndian.PutUint16(hdr[32:34], 1)
	binary.LittleEndian.PutUint16(hdr[34:36], 8)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)
	_, err := w.Write(hdr[:])
	return err
}
