// Package geo implements the base-32 geohash encoding used to key
// location-scoped Nostr channels (spec.md 4.10, 6). No geohash library
// appears anywhere in the retrieved example pack, so this follows the
// standard interleaved-bit algorithm directly on the standard library.
package geo

import (
	"fmt"
	"strings"
)

const base32Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of (lat, lon) truncated to precision
// characters. Channels in this system use 8-character geohashes
// (spec.md 4.10, 6).
func Encode(lat, lon float64, precision int) string {
	var (
		latRange = [2]float64{-90, 90}
		lonRange = [2]float64{-180, 180}
		isEven   = true
		bit      = 0
		ch       = 0
		hash     strings.Builder
	)

	for hash.Len() < precision {
		var mid float64
		if isEven {
			mid = (lonRange[0] + lonRange[1]) / 2
			if lon > mid {
				ch |= 1 << uint(4-bit)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid = (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= 1 << uint(4-bit)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}
		isEven = !isEven

		if bit < 4 {
			bit++
		} else {
			hash.WriteByte(base32Alphabet[ch])
			bit = 0
			ch = 0
		}
	}

	return hash.String()
}

// Decode returns the (lat, lon) center of a geohash and the +/- error
// bounds of the cell.
func Decode(hash string) (lat, lon, latErr, lonErr float64, err error) {
	latRange := [2]float64{-90, 90}
	lonRange := [2]float64{-180, 180}
	isEven := true

	for i := 0; i < len(hash); i++ {
		idx := strings.IndexByte(base32Alphabet, hash[i])
		if idx < 0 {
			return 0, 0, 0, 0, fmt.Errorf("geo: invalid geohash character %q", hash[i])
		}
		for b := 4; b >= 0; b-- {
			bit := (idx >> uint(b)) & 1
			if isEven {
				mid := (lonRange[0] + lonRange[1]) / 2
				if bit == 1 {
					lonRange[0] = mid
				} else {
					lonRange[1] = mid
				}
			} else {
				mid := (latRange[0] + latRange[1]) / 2
				if bit == 1 {
					latRange[0] = mid
				} else {
					latRange[1] = mid
				}
			}
			isEven = !isEven
		}
	}

	lat = (latRange[0] + latRange[1]) / 2
	lon = (lonRange[0] + lonRange[1]) / 2
	latErr = (latRange[1] - latRange[0]) / 2
	lonErr = (lonRange[1] - lonRange[0]) / 2
	return lat, lon, latErr, lonErr, nil
}

// Neighbors returns the eight geohashes adjacent to hash, in N, NE, E, SE,
// S, SW, W, NW order, used to subscribe to location notes for a geohash
// channel's surrounding area (spec.md 4.10).
func Neighbors(hash string) ([8]string, error) {
	lat, lon, latErr, lonErr, err := Decode(hash)
	if err != nil {
		return [8]string{}, err
	}

	precision := len(hash)
	step := func(dLat, dLon float64) string {
		return Encode(lat+dLat, lon+dLon, precision)
	}

	return [8]string{
		step(2*latErr, 0),          // N
		step(2*latErr, 2*lonErr),   // NE
		step(0, 2*lonErr),          // E
		step(-2*latErr, 2*lonErr),  // SE
		step(-2*latErr, 0),         // S
		step(-2*latErr, -2*lonErr), // SW
		step(0, -2*lonErr),         // W
		step(2*latErr, -2*lonErr),  // NW
	}, nil
}
