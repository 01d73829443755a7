package zil

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-zil/common"
	"github.com/mit-pdos/go-zil/util"
	"github.com/mit-pdos/go-zil/zio"
)

const (
	// LrHdrSize is the encoded size of the common record header.
	LrHdrSize uint64 = 32

	// LrWriteSize is the encoded size of a TX_WRITE record, not
	// counting any copied data that follows it.
	LrWriteSize uint64 = LrHdrSize + 24 + zio.BlkptrSize

	// LrCloneBase is the encoded size of a TX_CLONE_RANGE record with
	// no block pointers.
	LrCloneBase uint64 = LrHdrSize + 24 + 8
)

// LrHdr starts every log record. Reclen is the full encoded length
// including the header and any trailing data, always a multiple of 8.
type LrHdr struct {
	Txtype uint64
	Reclen uint64
	Txg    common.Txg
	Seq    common.Seq
}

func (h LrHdr) Encode(enc marshal.Enc) {
	enc.PutInt(h.Txtype)
	enc.PutInt(h.Reclen)
	enc.PutInt(h.Txg)
	enc.PutInt(h.Seq)
}

func DecLrHdr(dec marshal.Dec) LrHdr {
	var h LrHdr
	h.Txtype = dec.GetInt()
	h.Reclen = dec.GetInt()
	h.Txg = dec.GetInt()
	h.Seq = dec.GetInt()
	return h
}

// LrWrite is the body of a TX_WRITE record. Blkptr is only meaningful
// for indirect writes, where it names the data block written outside
// the log.
type LrWrite struct {
	Foid   common.Objid
	Offset uint64
	Length uint64
	Blkptr zio.BlkPtr
}

func (w LrWrite) Encode(enc marshal.Enc) {
	enc.PutInt(w.Foid)
	enc.PutInt(w.Offset)
	enc.PutInt(w.Length)
	w.Blkptr.Encode(enc)
}

func DecLrWrite(dec marshal.Dec) LrWrite {
	var w LrWrite
	w.Foid = dec.GetInt()
	w.Offset = dec.GetInt()
	w.Length = dec.GetInt()
	w.Blkptr = zio.DecBlkPtr(dec)
	return w
}

// LrClone is the body of a TX_CLONE_RANGE record: the block pointers
// cloned into [Offset, Offset+Length) of Foid.
type LrClone struct {
	Foid   common.Objid
	Offset uint64
	Length uint64
	Bps    []zio.BlkPtr
}

func (c LrClone) Encode(enc marshal.Enc) {
	enc.PutInt(c.Foid)
	enc.PutInt(c.Offset)
	enc.PutInt(c.Length)
	enc.PutInt(uint64(len(c.Bps)))
	for _, bp := range c.Bps {
		bp.Encode(enc)
	}
}

func DecLrClone(dec marshal.Dec) LrClone {
	var c LrClone
	c.Foid = dec.GetInt()
	c.Offset = dec.GetInt()
	c.Length = dec.GetInt()
	n := dec.GetInt()
	c.Bps = make([]zio.BlkPtr, 0, n)
	for i := uint64(0); i < n; i++ {
		c.Bps = append(c.Bps, zio.DecBlkPtr(dec))
	}
	return c
}

// Record is one decoded log record as seen by parse and replay. Raw
// holds the full encoded record, header included.
type Record struct {
	Hdr LrHdr
	Raw []byte
}

// AsWrite decodes the record as a TX_WRITE body.
func (r *Record) AsWrite() LrWrite {
	dec := marshal.NewDec(r.Raw[LrHdrSize:LrWriteSize])
	return DecLrWrite(dec)
}

// WriteData returns the data copied after a TX_WRITE body, if any.
func (r *Record) WriteData() []byte {
	if r.Hdr.Reclen <= LrWriteSize {
		return nil
	}
	return r.Raw[LrWriteSize:r.Hdr.Reclen]
}

// AsClone decodes the record as a TX_CLONE_RANGE body.
func (r *Record) AsClone() LrClone {
	dec := marshal.NewDec(r.Raw[LrHdrSize:])
	return DecLrClone(dec)
}

// Body returns the payload after the header of a generic record.
func (r *Record) Body() []byte {
	return r.Raw[LrHdrSize:]
}

// cloneReclen returns the encoded record length for a clone of nbps
// block pointers.
func cloneReclen(nbps uint64) uint64 {
	return util.RoundUp(LrCloneBase+nbps*zio.BlkptrSize, 8)
}
