package sqlserver

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

const (
	lsnSize      = 10
	tokenVersion = "v1"
)

var defaultStartLSN = "00000000000000000000"

// position is a (start_lsn, seqval) pair; rows strictly after it are unread
type position struct {
	LSN []byte
	Seq []byte
}

func zeroPosition() position {
	lsn, _ := hex.DecodeString(defaultStartLSN)
	seq, _ := hex.DecodeString(defaultStartLSN)
	return position{LSN: lsn, Seq: seq}
}

// endOf returns the position after every row of the given LSN
func endOf(lsn []byte) position {
	return position{LSN: lsn, Seq: bytes.Repeat([]byte{0xff}, lsnSize)}
}

func (p position) String() string {
	return hex.EncodeToString(p.LSN) + "/" + hex.EncodeToString(p.Seq)
}

// encodeCursor renders a position as a continuation token bound to mode
func encodeCursor(mode cdc.Mode, p position) cdc.Cursor {
	return cdc.Cursor(strings.Join([]string{
		tokenVersion,
		string(mode),
		hex.EncodeToString(p.LSN),
		hex.EncodeToString(p.Seq),
	}, "."))
}

func decodeCursor(mode cdc.Mode, c cdc.Cursor) (position, error) {
	parts := strings.Split(string(c), ".")
	if len(parts) != 4 || parts[0] != tokenVersion {
		return position{}, fmt.Errorf("%w: %q", cdc.ErrInvalidCursor, c)
	}
	if cdc.Mode(parts[1]) != mode {
		return position{}, fmt.Errorf("%w: cursor is for %s, feed is %s", cdc.ErrCursorModeMismatch, parts[1], mode)
	}
	lsn, err := hex.DecodeString(parts[2])
	if err != nil || len(lsn) != lsnSize {
		return position{}, fmt.Errorf("%w: bad lsn in %q", cdc.ErrInvalidCursor, c)
	}
	seq, err := hex.DecodeString(parts[3])
	if err != nil || len(seq) != lsnSize {
		return position{}, fmt.Errorf("%w: bad seqval in %q", cdc.ErrInvalidCursor, c)
	}
	return position{LSN: lsn, Seq: seq}, nil
}
