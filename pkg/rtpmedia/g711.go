package rtpmedia

import "github.com/arzzra/callcore/pkg/sdpmedia"

// Таблицы G.711 строятся один раз при загрузке пакета
var (
	ulawToLinear [256]int16
	alawToLinear [256]int16
	linearToUlaw [65536]uint8
	linearToAlaw [65536]uint8
)

var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

func decodeUlaw(u uint8) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	sample := ((int32(u&0x0F) << 3) + 0x84) << exponent
	sample -= 0x84
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func encodeUlaw(s int16) uint8 {
	const (
		bias = 0x84
		clip = 32635
	)
	v := int32(s)
	sign := uint8(0)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := 7
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func encodeAlaw(s int16) uint8 {
	v := int32(s) >> 3
	mask := uint8(0xD5)
	if v < 0 {
		mask = 0x55
		v = -v - 1
	}
	seg := 0
	for seg < 8 && v > alawSegEnd[seg] {
		seg++
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}
	aval := uint8(seg << 4)
	if seg < 2 {
		aval |= uint8(v>>1) & 0x0F
	} else {
		aval |= uint8(v>>uint(seg)) & 0x0F
	}
	return aval ^ mask
}

// Decode декодирует полезную нагрузку G.711 в линейный PCM
func Decode(codec sdpmedia.Codec, payload []byte, out []int16) []int16 {
	out = out[:0]
	table := &ulawToLinear
	if codec.PayloadType == sdpmedia.PCMA.PayloadType {
		table = &alawToLinear
	}
	for _, b := range payload {
		out = append(out, table[b])
	}
	return out
}

// Encode кодирует линейный PCM в G.711
func Encode(codec sdpmedia.Codec, pcm []int16, out []byte) []byte {
	out = out[:0]
	table := &linearToUlaw
	if codec.PayloadType == sdpmedia.PCMA.PayloadType {
		table = &linearToAlaw
	}
	for _, s := range pcm {
		out = append(out, table[uint16(s)])
	}
	return out
}

// EncodeUlaw кодирует один отсчет в u-law, используется при записи WAV
func EncodeUlaw(s int16) uint8 {
	return linearToUlaw[uint16(s)]
}

// Mix складывает два кадра с насыщением
func Mix(a, b []int16, out []int16) []int16 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out = out[:0]
	for i := 0; i < n; i++ {
		var v int32
		if i < len(a) {
			v += int32(a[i])
		}
		if i < len(b) {
			v += int32(b[i])
		}
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out = append(out, int16(v))
	}
	return out
}
