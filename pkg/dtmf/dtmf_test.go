package dtmf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for i := 0; i < len(symbols); i++ {
		d, err := Parse(symbols[i])
		require.NoError(t, err)
		assert.Equal(t, Digit(i), d)
		assert.Equal(t, symbols[i:i+1], d.String())
	}

	d, err := Parse('b')
	require.NoError(t, err)
	assert.Equal(t, DigitB, d)

	_, err = Parse('x')
	assert.Error(t, err)

	digits, err := ParseString("12-3 #")
	require.NoError(t, err)
	assert.Equal(t, []Digit{Digit1, Digit2, Digit3, DigitPound}, digits)
}

func TestEncoderPackets(t *testing.T) {
	enc := NewEncoder(DefaultPayloadType, 0x1234, 100, 8000)

	packets, err := enc.Packets(Digit5, ToneDuration)
	require.NoError(t, err)

	// 250 мс при шаге 50 мс: 4 обновления + 3 конечных пакета
	require.Len(t, packets, 7)
	t.Logf("Сгенерировано %d пакетов", len(packets))

	assert.True(t, packets[0].Marker, "первый пакет события должен иметь marker")
	for i, p := range packets {
		assert.Equal(t, uint8(DefaultPayloadType), p.PayloadType)
		assert.Equal(t, uint32(8000), p.Timestamp, "все пакеты события с одним timestamp")
		assert.Equal(t, uint16(100+i), p.SequenceNumber)
		if i > 0 {
			assert.False(t, p.Marker)
		}
	}

	last, err := UnmarshalPayload(packets[6].Payload)
	require.NoError(t, err)
	assert.True(t, last.End)
	assert.Equal(t, Digit5, last.Event)
	assert.Equal(t, uint16(2000), last.Duration)

	next, err := enc.Packets(Digit1, ToneDuration)
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), next[0].Timestamp, "следующее событие сдвигает timestamp")
	assert.Equal(t, uint16(107), next[0].SequenceNumber)

	_, err = enc.Packets(Digit1, 0)
	assert.Error(t, err)
}

func TestInfoBody(t *testing.T) {
	body := InfoBody(DigitStar, ToneDuration)
	assert.Equal(t, "Signal=*\r\nDuration=250\r\n", string(body))

	d, dur, err := ParseInfoBody(body)
	require.NoError(t, err)
	assert.Equal(t, DigitStar, d)
	assert.Equal(t, 250*time.Millisecond, dur)

	_, _, err = ParseInfoBody([]byte("Duration=100"))
	assert.Error(t, err)
}
