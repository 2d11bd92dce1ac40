package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed payload to its recipient, sender and message nonce.
func BuildAAD(toPub, fromPub, nonce []byte) []byte {
	buf := make([]byte, 0, 2+len(toPub)+2+len(fromPub)+len(nonce))
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(toPub)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, toPub...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(fromPub)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, fromPub...)
	buf = append(buf, nonce...)
	return buf
}
