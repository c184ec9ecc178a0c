package betree

import (
	"bytes"
	"encoding/binary"

	"github.com/tobiasfamos/betree/rbtree"
)

// messageKeySize returns the encoded size of a MessageKey for a tree with
// the given user key size: the user key followed by an 8-byte big-endian
// timestamp.
func messageKeySize(userKeySize int) int { return userKeySize + 8 }

// encodeMessageKey writes (userKey, timestamp) into buf, which must be
// messageKeySize(len(userKeyBytes)) bytes long. Appending the timestamp
// after the user key's bytes preserves (user_key, timestamp) lexicographic
// order under plain byte comparison, provided the codec's key encoding is
// itself order-preserving.
func encodeMessageKey(userKeyBytes []byte, timestamp uint64, buf []byte) {
	n := copy(buf, userKeyBytes)
	binary.BigEndian.PutUint64(buf[n:], timestamp)
}

func messageUserKey(msgKey []byte, userKeySize int) []byte { return msgKey[:userKeySize] }

func messageTimestamp(msgKey []byte, userKeySize int) uint64 {
	return binary.BigEndian.Uint64(msgKey[userKeySize:])
}

func lessMessageKey(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

// messageValueSize is the payload size a message map is configured with for
// Insert/InsertOrAssign entries: a full encoded value, at least 1 byte. The
// map sizes each record by its tag, so an Upsert record carries only its
// 1-byte operator id and an Erase record no payload at all.
func messageValueSize(valueSize int) int {
	if valueSize > 1 {
		return valueSize
	}
	return 1
}

const (
	tagInsert         = rbtree.TagInsert
	tagInsertOrAssign = rbtree.TagInsertOrAssign
	tagUpsert         = rbtree.TagUpsert
	tagErase          = rbtree.TagErase
)

// incrementBytes returns b treated as a big-endian unsigned integer, plus
// one, or ok=false if b is already all 0xFF (no larger value representable
// at this width).
func incrementBytes(b []byte) ([]byte, bool) {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out, true
		}
		out[i] = 0
	}
	return nil, false
}

// userKeyRange returns the half-open MessageKey byte range covering every
// timestamp of one user key, for use with a MessageMap range scan.
func userKeyRange(userKeyBuf []byte) (lo, hi []byte) {
	lo = make([]byte, messageKeySize(len(userKeyBuf)))
	encodeMessageKey(userKeyBuf, 0, lo)

	next, ok := incrementBytes(userKeyBuf)
	if !ok {
		return lo, nil
	}
	hi = make([]byte, messageKeySize(len(userKeyBuf)))
	encodeMessageKey(next, 0, hi)
	return lo, hi
}

// payloadLenForTag returns the MessageMap payload size a given message tag
// carries, for the given user value size.
func payloadLenForTag(tag byte, valueSize int) int {
	switch tag {
	case tagInsert, tagInsertOrAssign:
		return valueSize
	case tagUpsert:
		return 1
	default:
		return 0
	}
}

// messageRecordSize is the total arena footprint (tag byte + payload) a
// message of the given kind occupies in a MessageMap, used to size the
// free-space threshold a flush must clear.
func messageRecordSize(tag byte, valueSize int) int {
	return 1 + payloadLenForTag(tag, valueSize)
}
