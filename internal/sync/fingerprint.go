package sync

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/renderinc/scp-archive/internal/storage"
)

// Decision is what the upsert engine does with one merged record
type Decision int

const (
	Skip Decision = iota
	Insert
	Update
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "skip"
	}
}

// Fingerprint hashes raw_content, or raw_source when raw_content is absent.
// Records without content have no fingerprint.
func Fingerprint(it *storage.Item) *string {
	content := it.PrimaryContent()
	if content == nil {
		return nil
	}
	sum := sha1.Sum([]byte(*content))
	fp := hex.EncodeToString(sum[:])
	return &fp
}

// Decide compares an incoming fingerprint with the stored one. exists is
// false when no row is stored for the link.
func Decide(stored *string, exists bool, incoming *string) Decision {
	switch {
	case !exists:
		return Insert
	case stored == nil && incoming == nil:
		return Skip
	case stored == nil || incoming == nil:
		return Update
	case *stored != *incoming:
		return Update
	default:
		return Skip
	}
}
