package zio

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-zil/util"
)

// ChainSize is the encoded size of the Chain trailer.
const ChainSize uint64 = 120

// chainCksumOff is the byte offset of the embedded checksum within an
// encoded Chain.
const chainCksumOff uint64 = 8 + 8 + BlkptrSize

var ErrCksum = errors.New("zio: checksum mismatch")

// Chain is embedded in every log block and links it to its successor.
// Slim blocks keep it at byte 0 and record the used prefix in Nused;
// legacy blocks keep it in the last ChainSize bytes of the block. The
// Cksum field holds the fletcher sum of the block, computed with the
// field itself set to the block's expected seed.
type Chain struct {
	Pad     uint64
	Nused   uint64
	NextBlk BlkPtr
	Cksum   Cksum
}

func (c Chain) Encode(enc marshal.Enc) {
	enc.PutInt(c.Pad)
	enc.PutInt(c.Nused)
	c.NextBlk.Encode(enc)
	enc.PutInt(c.Cksum[0])
	enc.PutInt(c.Cksum[1])
	enc.PutInt(c.Cksum[2])
	enc.PutInt(c.Cksum[3])
}

func DecChain(dec marshal.Dec) Chain {
	var c Chain
	c.Pad = dec.GetInt()
	c.Nused = dec.GetInt()
	c.NextBlk = DecBlkPtr(dec)
	c.Cksum[0] = dec.GetInt()
	c.Cksum[1] = dec.GetInt()
	c.Cksum[2] = dec.GetInt()
	c.Cksum[3] = dec.GetInt()
	return c
}

// ChainOff returns the offset of the chain trailer in a block of the
// given size.
func ChainOff(size uint64, slim bool) uint64 {
	if slim {
		return 0
	}
	return size - ChainSize
}

// PutChain encodes c into buf at off.
func PutChain(buf []byte, off uint64, c Chain) {
	enc := marshal.NewEnc(ChainSize)
	c.Encode(enc)
	copy(buf[off:off+ChainSize], enc.Finish())
}

// GetChain decodes the chain trailer stored in buf at off.
func GetChain(buf []byte, off uint64) Chain {
	dec := marshal.NewDec(buf[off : off+ChainSize])
	return DecChain(dec)
}

func getCksumAt(buf []byte, off uint64) Cksum {
	var c Cksum
	for i := 0; i < 4; i++ {
		c[i] = binary.LittleEndian.Uint64(buf[off+uint64(i)*8:])
	}
	return c
}

func putCksumAt(buf []byte, off uint64, c Cksum) {
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[off+uint64(i)*8:], c[i])
	}
}

// StampBlock checksums buf and stores the result in the embedded
// chain trailer. The seed takes the place of the checksum field while
// the sum is computed, so a reader must know the seed to verify. For
// slim blocks the caller passes exactly the bytes it will write.
func StampBlock(buf []byte, seed Cksum, slim bool) {
	off := ChainOff(uint64(len(buf)), slim) + chainCksumOff
	putCksumAt(buf, off, seed)
	sum := Fletcher4(buf)
	putCksumAt(buf, off, sum)
}

// VerifyBlock checks a full-size block read from disk against the
// expected seed. Slim blocks are only checksummed up to their used
// prefix rounded to a block boundary, which is all the writer wrote.
func VerifyBlock(buf []byte, seed Cksum, slim bool) error {
	size := uint64(len(buf))
	var off uint64
	end := size
	if slim {
		c := GetChain(buf, 0)
		if c.Nused < ChainSize || c.Nused > size {
			return ErrCksum
		}
		end = util.Min(util.RoundUp(c.Nused, disk.BlockSize), size)
		off = chainCksumOff
	} else {
		c := GetChain(buf, size-ChainSize)
		if c.Nused > size-ChainSize {
			return ErrCksum
		}
		off = size - ChainSize + chainCksumOff
	}
	stored := getCksumAt(buf, off)
	putCksumAt(buf, off, seed)
	sum := Fletcher4(buf[:end])
	putCksumAt(buf, off, stored)
	if !sum.Equal(stored) {
		return ErrCksum
	}
	return nil
}
