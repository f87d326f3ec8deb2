// Package fsstore файловое хранилище записей звонков.
package fsstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arzzra/callcore/pkg/logger"
)

var (
	// ErrInvalidName имя файла выходит за каталог или пустое
	ErrInvalidName = errors.New("недопустимое имя файла")
	// ErrNoSpace на диске меньше MinFree свободного места
	ErrNoSpace = errors.New("недостаточно места на диске")
)

// File описание сохраненного файла
type File struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store каталог с файлами записей
type Store struct {
	dir string
	// MinFree минимальный запас свободного места для Save, 0 отключает проверку
	MinFree uint64
	log     logger.Logger
}

// New создает хранилище в каталоге dir
func New(dir string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("создание каталога записей: %w", err)
	}
	return &Store{dir: dir, log: logger.OrNoOp(log).WithComponent("fsstore")}, nil
}

// Dir каталог хранилища
func (s *Store) Dir() string { return s.dir }

// ExtensionFor расширение файла по MIME типу записи. Неизвестный тип дает webm.
func ExtensionFor(mimeType string) string {
	m := strings.ToLower(mimeType)
	switch {
	case m == "":
		return "webm"
	case strings.Contains(m, "webm"):
		return "webm"
	case strings.Contains(m, "ogg"):
		return "ogg"
	case strings.Contains(m, "mp4"), strings.Contains(m, "aac"):
		return "m4a"
	case strings.Contains(m, "mpeg"), strings.Contains(m, "mp3"):
		return "mp3"
	case strings.Contains(m, "wav"):
		return "wav"
	}
	return "webm"
}

// MimeFor MIME тип по расширению имени файла
func MimeFor(name string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "webm":
		return "audio/webm"
	case "ogg":
		return "audio/ogg"
	case "m4a":
		return "audio/mp4"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (s *Store) resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// Save записывает data в файл. Если у имени нет расширения, оно добавляется по MIME типу.
// Файл пишется во временный и переименовывается. Возвращает итоговое имя.
func (s *Store) Save(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}
	if filepath.Ext(name) == "" {
		name = name + "." + ExtensionFor(mimeType)
	}
	full, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.MinFree > 0 {
		free, err := s.Free()
		if err == nil && free < s.MinFree+uint64(len(data)) {
			return "", fmt.Errorf("%w: свободно %d байт", ErrNoSpace, free)
		}
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("создание временного файла: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("запись %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("закрытие %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("переименование %s: %w", name, err)
	}

	s.log.Info(ctx, "файл сохранен", logger.String("file", name), logger.Int("size", len(data)))
	return name, nil
}

// Create открывает новый файл для потоковой записи
func (s *Store) Create(name string) (*os.File, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
}

// Read читает файл целиком
func (s *Store) Read(name string) ([]byte, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// ReadAsDataURL возвращает файл в виде data:<mime>;base64,...
func (s *Store) ReadAsDataURL(name string) (string, error) {
	data, err := s.Read(name)
	if err != nil {
		return "", fmt.Errorf("чтение %s: %w", name, err)
	}
	return "data:" + MimeFor(name) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Delete удаляет файл. Возвращает false, если файла не было.
func (s *Store) Delete(name string) (bool, error) {
	full, err := s.resolve(name)
	if err != nil {
		return false, err
	}
	err = os.Remove(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("удаление %s: %w", name, err)
	}
	return true, nil
}

// List файлы каталога, новые первыми. Временные файлы пропускаются.
func (s *Store) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("чтение каталога: %w", err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, File{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.After(files[j].ModTime) })
	return files, nil
}

// Stat размер файла
func (s *Store) Stat(name string) (File, error) {
	full, err := s.resolve(name)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return File{}, err
	}
	return File{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Free свободное место в каталоге в байтах
func (s *Store) Free() (uint64, error) {
	return freeBytes(s.dir)
}
