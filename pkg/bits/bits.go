// Package bits numbers bits the way smart-card documents do: 1 is the least
// significant bit, 8 the most significant.
package bits

// Bit returns a byte with only the n-th bit set (1 to 8).
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet checks if the n-th bit is set (1 to 8).
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// Set returns b with bit n raised.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear returns b with bit n lowered.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

// mask returns the bit mask covering bits high..low.
func mask(high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}
	width := high - low + 1
	return byte((1<<width)-1) << (low - 1)
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11)
func GetRange(b byte, high, low uint) byte {
	m := mask(high, low)
	if m == 0 {
		return 0
	}
	return (b & m) >> (low - 1)
}

// SetRange writes v into bits high..low of b. Bits of v that do not fit are dropped.
// Example: SetRange(0x80, 2, 1, 3) returns 0x83
func SetRange(b byte, high, low uint, v byte) byte {
	m := mask(high, low)
	if m == 0 {
		return b
	}
	return (b &^ m) | ((v << (low - 1)) & m)
}
