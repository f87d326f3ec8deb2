// Package phone содержит правила для номеров: очистку, проверку NANP и форматирование.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion регион по умолчанию для разбора номеров
const DefaultRegion = "US"

// UsernameLength длина логина SIP аккаунта (10 цифр)
const UsernameLength = 10

// Sanitize оставляет в строке только цифры
func Sanitize(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidNANP проверяет североамериканский 10-значный номер:
// первая цифра кода зоны и первая цифра станции в диапазоне 2–9.
func ValidNANP(number string) bool {
	d := Sanitize(number)
	if len(d) != 10 {
		return false
	}
	npa, nxx := d[0], d[3]
	return npa >= '2' && npa <= '9' && nxx >= '2' && nxx <= '9'
}

// ValidUsername логин должен состоять ровно из 10 цифр
func ValidUsername(username string) bool {
	return len(username) == UsernameLength && Sanitize(username) == username
}

// E164 приводит номер к виду +1XXXXXXXXXX через libphonenumber.
func E164(number string) (string, error) {
	d := Sanitize(number)
	if d == "" {
		return "", fmt.Errorf("номер не может быть пустым")
	}
	parsed, err := phonenumbers.Parse(d, DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("не удалось разобрать номер: %w", err)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// Format форматирует номер для отображения.
//
//	10 цифр            -> (555) 123-4567
//	11 цифр с 1        -> (555) 123-4567
//	7 цифр             -> 123-4567
//	больше 11 цифр     -> международный формат libphonenumber, иначе +CC AAA BBB CCCC
//
// Остальные строки возвращаются как есть.
func Format(number string) string {
	if number == "" {
		return ""
	}
	d := Sanitize(number)

	switch {
	case len(d) == 10:
		return national(d)
	case len(d) == 11 && d[0] == '1':
		return national(d[1:])
	case len(d) == 7:
		return d[:3] + "-" + d[3:]
	case len(d) > 11:
		if parsed, err := phonenumbers.Parse("+"+d, DefaultRegion); err == nil && phonenumbers.IsValidNumber(parsed) {
			return phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL)
		}
		cc := d[:len(d)-10]
		rest := d[len(d)-10:]
		return fmt.Sprintf("+%s %s %s %s", cc, rest[:3], rest[3:6], rest[6:])
	}
	return number
}

func national(d string) string {
	return fmt.Sprintf("(%s) %s-%s", d[:3], d[3:6], d[6:])
}

// FormatDuration форматирует длительность в секундах как MM:SS
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
