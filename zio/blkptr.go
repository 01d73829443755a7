package zio

import (
	"encoding/binary"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-zil/common"
)

const (
	// BlkptrSize is the encoded size of a BlkPtr in bytes.
	BlkptrSize uint64 = 72

	// ZC_SEQ indexes the checksum word that carries a log block's
	// sequence number.
	ZC_SEQ = 3

	flagSlog uint64 = 1 << 0
	flagSlim uint64 = 1 << 1
)

// Cksum is a fletcher-style checksum of four 64-bit words. For log
// blocks words 0-2 identify the chain and word ZC_SEQ is the block
// sequence number.
type Cksum [4]uint64

func (c Cksum) Equal(o Cksum) bool {
	return c[0] == o[0] && c[1] == o[1] && c[2] == o[2] && c[3] == o[3]
}

// Fletcher4 checksums data as a stream of little-endian 64-bit words.
// A trailing partial word is ignored.
func Fletcher4(data []byte) Cksum {
	var a, b, c, d uint64
	n := len(data) / 8
	for i := 0; i < n; i++ {
		w := binary.LittleEndian.Uint64(data[i*8:])
		a += w
		b += a
		c += b
		d += c
	}
	return Cksum{a, b, c, d}
}

// BlkPtr names one allocated run of blocks on one device. Size is in
// bytes and Offset in block units. A zero Size marks a hole.
type BlkPtr struct {
	Vdev   common.Vdevid
	Offset uint64
	Size   uint64
	Birth  common.Txg
	Slog   bool
	Slim   bool
	Cksum  Cksum
}

func (b BlkPtr) IsHole() bool {
	return b.Size == 0
}

// Blocks returns the length of the run in block units.
func (b BlkPtr) Blocks() uint64 {
	return b.Size / disk.BlockSize
}

func (b BlkPtr) Encode(enc marshal.Enc) {
	enc.PutInt(b.Vdev)
	enc.PutInt(b.Offset)
	enc.PutInt(b.Size)
	enc.PutInt(b.Birth)
	var flags uint64
	if b.Slog {
		flags |= flagSlog
	}
	if b.Slim {
		flags |= flagSlim
	}
	enc.PutInt(flags)
	enc.PutInt(b.Cksum[0])
	enc.PutInt(b.Cksum[1])
	enc.PutInt(b.Cksum[2])
	enc.PutInt(b.Cksum[3])
}

func DecBlkPtr(dec marshal.Dec) BlkPtr {
	var b BlkPtr
	b.Vdev = dec.GetInt()
	b.Offset = dec.GetInt()
	b.Size = dec.GetInt()
	b.Birth = dec.GetInt()
	flags := dec.GetInt()
	b.Slog = flags&flagSlog != 0
	b.Slim = flags&flagSlim != 0
	b.Cksum[0] = dec.GetInt()
	b.Cksum[1] = dec.GetInt()
	b.Cksum[2] = dec.GetInt()
	b.Cksum[3] = dec.GetInt()
	return b
}
