package model

import (
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"time"

	"github.com/google/uuid"
)

var noPadB32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// SyntheticQueueID derives the NOQUEUE.<base32-11> stand-in used in log
// lines until the MTA hands over a real queue id. The hash mixes pid,
// time and randomness so ids stay distinct across children.
func SyntheticQueueID() string {
	h := fnv.New64a()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(os.Getpid()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	h.Write(buf[:])
	u := uuid.New()
	h.Write(u[:])

	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	enc := noPadB32.EncodeToString(buf[:])
	if len(enc) > 11 {
		enc = enc[:11]
	}
	return "NOQUEUE." + enc
}
