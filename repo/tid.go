package repo

import (
	"strings"
	"sync"
	"time"
)

const s32Chars = "234567abcdefghijklmnopqrstuvwxyz"

func s32encode(num uint64) string {
	if num == 0 {
		return ""
	}
	var buf []byte
	for num > 0 {
		buf = append([]byte{s32Chars[num%32]}, buf...)
		num /= 32
	}
	return string(buf)
}

func s32decode(val string) uint64 {
	var n uint64
	for _, c := range val {
		n = n*32 + uint64(strings.IndexRune(s32Chars, c))
	}
	return n
}

// intToTID renders a microsecond timestamp plus a clock id as a
// 13-character, base32-sortable TID: https://atproto.com/specs/tid.
func intToTID(num uint64, clockID int) string {
	tid := s32encode(num) + padRight(s32encode(uint64(clockID)), 2, '2')
	return padLeft(tid, 13, '2')
}

func padRight(s string, n int, c byte) string {
	for len(s) < n {
		s += string(c)
	}
	return s
}

func padLeft(s string, n int, c byte) string {
	for len(s) < n {
		s = string(c) + s
	}
	return s
}

// tidToTime parses a TID back into the timestamp it encodes.
func tidToTime(tid string) time.Time {
	if len(tid) != 13 {
		return time.Time{}
	}
	micros := s32decode(tid[:11])
	return time.UnixMicro(int64(micros)).UTC()
}

// clock generates monotonically increasing TIDs, guaranteed to move
// forward even across calls in the same microsecond or a backwards
// system clock jump, mirroring arroba.util.next_tid's global clock.
type clock struct {
	mu      sync.Mutex
	last    uint64
	clockID int
}

func newClock(clockID int) *clock {
	return &clock{clockID: clockID}
}

func (c *clock) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := uint64(time.Now().UnixMicro())
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return intToTID(now, c.clockID)
}
