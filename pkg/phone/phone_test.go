package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "5551234567", Sanitize("(555) 123-4567"))
	assert.Equal(t, "", Sanitize("abc"))
	assert.Equal(t, "15551234567", Sanitize("+1 555.123.4567"))
}

func TestValidNANP(t *testing.T) {
	tests := []struct {
		number string
		valid  bool
	}{
		{"5551234567", false}, // станция начинается с 1
		{"5552234567", true},
		{"(212) 555-0100", true},
		{"1125550100", false}, // код зоны начинается с 1
		{"0125550100", false},
		{"212055010", false},  // 9 цифр
		{"12125550100", false}, // 11 цифр
		{"9999999999", true},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidNANP(tt.number))
		})
	}
}

func TestValidUsername(t *testing.T) {
	assert.True(t, ValidUsername("5551234567"))
	assert.False(t, ValidUsername("555123456"))
	assert.False(t, ValidUsername("555-123-456"))
}

func TestE164(t *testing.T) {
	e, err := E164("(212) 555-0100")
	require.NoError(t, err)
	assert.Equal(t, "+12125550100", e)

	_, err = E164("---")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "(555) 123-4567", Format("5551234567"))
	assert.Equal(t, "(555) 123-4567", Format("15551234567"))
	assert.Equal(t, "123-4567", Format("1234567"))
	assert.Equal(t, "", Format(""))
	assert.Equal(t, "Unknown", Format("Unknown"))

	intl := Format("447911123456")
	t.Logf("Международный номер: %s", intl)
	assert.Contains(t, intl, "+44")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "01:05", FormatDuration(65))
	assert.Equal(t, "00:00", FormatDuration(-3))
}
