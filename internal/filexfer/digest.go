package filexfer

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"errors"
	"hash"
	"hash/crc32"
	"io"

	"github.com/sheerbytes/deskwire/pkg/wire"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// digest accumulates a transfer checksum. CRC32C is cheap enough to carry
// a running value on every chunk; SHA-256 is verified only at completion.
type digest struct {
	alg uint8
	crc uint32
	sha hash.Hash
}

func newDigest(alg uint8) *digest {
	d := &digest{alg: alg}
	if alg == wire.DigestSHA256 {
		d.sha = sha256.New()
	}
	return d
}

func (d *digest) Write(p []byte) {
	if d.sha != nil {
		d.sha.Write(p)
		return
	}
	d.crc = crc32.Update(d.crc, castagnoli, p)
}

// Running returns the cumulative checksum so far, or zero when the
// algorithm has no cheap running form.
func (d *digest) Running() uint64 {
	if d.sha != nil {
		return 0
	}
	return uint64(d.crc)
}

// Sum returns the final digest bytes for FileComplete.
func (d *digest) Sum() []byte {
	if d.sha != nil {
		return d.sha.Sum(nil)
	}
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], d.crc)
	return out[:]
}

// snapshot captures the accumulator state so the receiver can rewind to a
// verified offset after a mismatch.
func (d *digest) snapshot() ([]byte, error) {
	if d.sha == nil {
		var out [4]byte
		binary.BigEndian.PutUint32(out[:], d.crc)
		return out[:], nil
	}
	return d.sha.(encoding.BinaryMarshaler).MarshalBinary()
}

func (d *digest) restore(state []byte) error {
	if d.sha == nil {
		d.crc = binary.BigEndian.Uint32(state)
		return nil
	}
	return d.sha.(encoding.BinaryUnmarshaler).UnmarshalBinary(state)
}

// rebuild recomputes the digest of src[0:limit]. Used by the sender when a
// resume rewinds past bytes it has already hashed.
func rebuildDigest(alg uint8, src Source, limit uint64) (*digest, error) {
	d := newDigest(alg)
	buf := make([]byte, 256*1024)
	var off uint64
	for off < limit {
		n := uint64(len(buf))
		if limit-off < n {
			n = limit - off
		}
		read, err := src.ReadAt(buf[:n], int64(off))
		if read > 0 {
			d.Write(buf[:read])
			off += uint64(read)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && off >= limit {
				break
			}
			return nil, err
		}
	}
	return d, nil
}
