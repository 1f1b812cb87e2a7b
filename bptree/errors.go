package bptree

import (
	"errors"

	"github.com/xtern-go/xtern/nodecache"
)

// ErrKeyNotFound is returned by At when the key is absent, per spec
// §4.6/§7. Erase returns 0 silently instead of this error.
var ErrKeyNotFound = errors.New("bptree: key not found")

// ErrBadKey is returned by Insert/Emplace when the caller attempts to
// insert the comparator's MaxValue sentinel. Spec §9 leaves this
// open-question behaviour undecided ("reject or silently succeed");
// this module picks rejection, see DESIGN.md.
var ErrBadKey = errors.New("bptree: key collides with comparator sentinel max value")

// ErrTreeTooTall is returned when a height increase would exceed the
// node cache's pinnable root-to-leaf path, per spec §4.6/§7.
var ErrTreeTooTall = errors.New("bptree: height increase exceeds node cache capacity")

// ErrCacheExhausted is re-exported from nodecache: every cache slot is
// pinned, indicating a programmer error or misconfiguration per spec
// §4.5/§7.
var ErrCacheExhausted = nodecache.ErrCacheExhausted
