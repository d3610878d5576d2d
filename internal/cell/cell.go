// Package cell encodes a location into a coarse spatial bucket token.
// Tokens are used only as discovery filter values, never as exact position.
package cell

import (
	"errors"
	"strings"
)

const base32Chars = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultPrecision gives cells of roughly 5km x 5km, wide enough that a
// requester and nearby providers land in the same bucket.
const DefaultPrecision = 5

const MaxPrecision = 12

// Token derives the cell token for a location. Two locations inside the
// same coarse rectangle map to the same token.
func Token(lat, lon float64, precision int) (string, error) {
	if precision <= 0 || precision > MaxPrecision {
		return "", errors.New("bad cell precision")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", errors.New("coordinates out of range")
	}
	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)
	bit := 0
	ch := 0
	even := true
	for sb.Len() < precision {
		if even {
			mid := (lonMin + lonMax) / 2
			if lon >= mid {
				ch = ch<<1 | 1
				lonMin = mid
			} else {
				ch = ch << 1
				lonMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latMin = mid
			} else {
				ch = ch << 1
				latMax = mid
			}
		}
		even = !even
		bit++
		if bit == 5 {
			sb.WriteByte(base32Chars[ch])
			bit = 0
			ch = 0
		}
	}
	return sb.String(), nil
}

// Valid reports whether s looks like a cell token we could have produced.
func Valid(s string) bool {
	if s == "" || len(s) > MaxPrecision {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(base32Chars, rune(s[i])) {
			return false
		}
	}
	return true
}
