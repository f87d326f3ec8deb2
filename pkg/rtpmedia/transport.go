package rtpmedia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	minPacketSize = 12
	maxPacketSize = 1500

	// receiveTimeout период проверки контекста при чтении
	receiveTimeout = 100 * time.Millisecond

	// dscpEF Expedited Forwarding для голосового трафика (RFC 4594)
	dscpEF = 46
)

// ErrTransportClosed транспорт закрыт
var ErrTransportClosed = errors.New("RTP транспорт закрыт")

// Transport UDP транспорт RTP. Удаленный адрес задается из SDP или
// запоминается по первому полученному пакету.
type Transport struct {
	conn *net.UDPConn

	mu     sync.RWMutex
	remote *net.UDPAddr
	closed bool
}

// Listen открывает UDP сокет на localAddr ("host:port", порт 0 выбирается системой)
func Listen(localAddr string) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("разбор локального адреса %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("открытие UDP %s: %w", localAddr, err)
	}
	// DSCP не критичен, в контейнерах может быть запрещен
	_ = setVoiceDSCP(conn)
	return &Transport{conn: conn}, nil
}

// LocalAddr локальный адрес сокета
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SetRemote задает адрес удаленной стороны
func (t *Transport) SetRemote(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("разбор удаленного адреса %s: %w", addr, err)
	}
	t.mu.Lock()
	t.remote = raddr
	t.mu.Unlock()
	return nil
}

// Remote текущий удаленный адрес
func (t *Transport) Remote() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remote
}

// Send отправляет RTP пакет
func (t *Transport) Send(pkt *rtp.Packet) error {
	t.mu.RLock()
	closed, remote := t.closed, t.remote
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес RTP не задан")
	}
	if err := validateHeader(&pkt.Header); err != nil {
		return err
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("маршалинг RTP: %w", err)
	}
	if _, err := t.conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("отправка RTP: %w", err)
	}
	return nil
}

// Receive читает один пакет. Таймаут чтения возвращается как net.Error с Timeout() == true,
// чтобы вызывающий мог проверить контекст и продолжить.
func (t *Transport) Receive(ctx context.Context, buf []byte) (*rtp.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}

	_ = t.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	if n < minPacketSize || n > maxPacketSize {
		return nil, fmt.Errorf("недопустимый размер RTP пакета: %d", n)
	}

	t.mu.Lock()
	if t.remote == nil {
		t.remote = addr
	}
	t.mu.Unlock()

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, fmt.Errorf("разбор RTP: %w", err)
	}
	if err := validateHeader(&pkt.Header); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close закрывает сокет
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

func validateHeader(h *rtp.Header) error {
	if h.Version != 2 {
		return fmt.Errorf("неподдерживаемая версия RTP: %d", h.Version)
	}
	if h.PayloadType > 127 {
		return fmt.Errorf("недопустимый payload type: %d", h.PayloadType)
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
