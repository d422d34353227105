package es

import (
	"log/slog"
	"math"
)

// Revision is the 1-based, gapless counter of events within a stream.
// The revision of a commit is the revision of the last event it contains.
type Revision uint64

// MaxRevision marks an unbounded upper end when reading a stream range.
const MaxRevision = Revision(math.MaxUint64)

func (r Revision) Uint64() uint64                         { return uint64(r) }
func (r Revision) SlogAttr() slog.Attr                    { return newSlogRevisionAttr("revision", r) }
func (r Revision) SlogAttrWithKey(key string) slog.Attr   { return newSlogRevisionAttr(key, r) }
func newSlogRevisionAttr(key string, r Revision) slog.Attr { return slog.Uint64(key, uint64(r)) }
