package cluster

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
)

// IDLen is the fixed length of a node or shard identifier: 40 lowercase
// hex characters (20 random bytes).
const IDLen = 40

var errBadID = errors.New("cluster: identifier must be 40 lowercase hex characters")

// GenerateID produces a fresh random identifier, used both for a
// handshake placeholder and for a node's permanent name.
func GenerateID() string {
	buf := make([]byte, IDLen/2)
	if _, err := rand.Read(buf); err != nil {
		panic(errors.Wrap(err, "cluster: reading random identifier"))
	}
	return hex.EncodeToString(buf)
}

// ValidateID reports whether id is exactly 40 lowercase hex characters,
// rejecting anything else per the node-table wire format rule.
func ValidateID(id string) error {
	if len(id) != IDLen {
		return errors.Wrapf(errBadID, "got length %d", len(id))
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return errors.Wrapf(errBadID, "invalid character %q", r)
		}
	}
	return nil
}
