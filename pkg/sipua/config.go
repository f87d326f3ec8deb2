package sipua

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/callcore/pkg/logger"
	"github.com/arzzra/callcore/pkg/phone"
	"github.com/arzzra/callcore/pkg/rtpmedia"
	"github.com/arzzra/callcore/pkg/sdpmedia"
)

const (
	// DefaultExpiry запрашиваемый срок регистрации
	DefaultExpiry = 180 * time.Second
	// DefaultRetryInterval пауза перед повторной регистрацией после ошибки
	DefaultRetryInterval = 30 * time.Second
	// DefaultRequestTimeout ожидание ответа на BYE, re-INVITE и INFO
	DefaultRequestTimeout = 5 * time.Second
	// DefaultUserAgent значение заголовка User-Agent
	DefaultUserAgent = "callcore"

	// refreshRatio доля выданного срока, после которой регистрация обновляется
	refreshRatio = 0.8
	// incomingQueueSize емкость канала входящих сессий
	incomingQueueSize = 4
	// eventQueueSize емкость канала событий одной сессии
	eventQueueSize = 16
)

// MediaFactory создает RTP поток для новой сессии
type MediaFactory func() (*rtpmedia.Stream, error)

// Config параметры агента
type Config struct {
	// Username логин аккаунта, он же user часть From и Contact
	Username string
	// AuthUser имя для digest, по умолчанию Username
	AuthUser    string
	Password    string
	DisplayName string
	// Domain SIP домен аккаунта
	Domain string
	// Server адрес outbound proxy и регистратора host:port, по умолчанию Domain:5060
	Server string
	// Transport udp или tcp
	Transport string

	ListenHost string
	ListenPort int
	// MediaHost адрес для c= в SDP, по умолчанию ListenHost
	MediaHost string
	Codecs    []sdpmedia.Codec

	Expiry         time.Duration
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	UserAgent      string

	// IncomingRate допустимая частота входящих INVITE в секунду, 0 отключает ограничение
	IncomingRate  float64
	IncomingBurst int

	NewMedia MediaFactory
	Logger   logger.Logger
}

// Validate проверяет обязательные поля и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if c.Username == "" {
		return fmt.Errorf("не задан логин SIP")
	}
	if c.Domain == "" {
		return fmt.Errorf("не задан SIP домен")
	}
	if c.AuthUser == "" {
		c.AuthUser = c.Username
	}
	if c.Server == "" {
		c.Server = net.JoinHostPort(c.Domain, "5060")
	} else if _, _, err := net.SplitHostPort(c.Server); err != nil {
		c.Server = net.JoinHostPort(c.Server, "5060")
	}
	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case "":
		c.Transport = "udp"
	case "udp", "tcp":
	default:
		return fmt.Errorf("неподдерживаемый транспорт %q", c.Transport)
	}
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("некорректный порт %d", c.ListenPort)
	}
	if c.MediaHost == "" {
		c.MediaHost = c.ListenHost
	}
	if len(c.Codecs) == 0 {
		c.Codecs = []sdpmedia.Codec{sdpmedia.PCMU, sdpmedia.PCMA}
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.IncomingRate > 0 && c.IncomingBurst <= 0 {
		c.IncomingBurst = 1
	}
	if c.NewMedia == nil {
		host, log := c.MediaHost, c.Logger
		c.NewMedia = func() (*rtpmedia.Stream, error) {
			return rtpmedia.NewStream(rtpmedia.Config{LocalAddr: net.JoinHostPort(host, "0"), Logger: log})
		}
	}
	return nil
}

// listenAddr адрес SIP сокета
func (c *Config) listenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// targetUser user часть Request-URI для набранного номера
func targetUser(number string) string {
	return phone.Sanitize(number)
}
