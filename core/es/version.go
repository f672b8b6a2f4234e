package es

import (
	"log/slog"
	"strconv"
)

// Version is the sequence number of an event within its stream. The first
// event of a stream has version 1; the version of a stream is the version of
// its last committed event, or 0 when the stream has no events.
type Version uint64

// NoStream is the expected version for appending to a stream that has no events yet.
const NoStream Version = 0

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) String() string                         { return strconv.FormatUint(uint64(v), 10) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// ParseVersion parses a decimal version string.
func ParseVersion(s string) (Version, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Version(v), nil
}
