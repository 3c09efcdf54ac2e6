package nostr

import (
	"context"
	"fmt"
	"strconv"
)

// MineProofOfWork repeatedly sets a "nonce" tag and resigns e until its id
// has at least targetBits leading zero bits, or ctx is cancelled (spec.md
// 4.10: "senders mine a nonce tag until the event id meets target").
func MineProofOfWork(ctx context.Context, e *Event, id *Identity, targetBits int) error {
	if targetBits <= 0 {
		return e.Sign(id)
	}
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.Tags = setTag(e.Tags, "nonce", strconv.FormatUint(nonce, 10), strconv.Itoa(targetBits))
		if err := e.Sign(id); err != nil {
			return fmt.Errorf("nostr: mine proof of work: %w", err)
		}
		if e.LeadingZeroBits() >= targetBits {
			return nil
		}
	}
}

// MeetsMinimumDifficulty reports whether e's id satisfies a minimum
// accepted proof-of-work target (spec.md 4.10: "receivers drop events
// below the configured minimum difficulty").
func MeetsMinimumDifficulty(e *Event, minBits int) bool {
	return e.LeadingZeroBits() >= minBits
}

func setTag(tags [][]string, key string, values ...string) [][]string {
	out := make([][]string, 0, len(tags)+1)
	for _, t := range tags {
		if len(t) > 0 && t[0] == key {
			continue
		}
		out = append(out, t)
	}
	return append(out, append([]string{key}, values...))
}
