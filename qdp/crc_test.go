package qdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// bitwiseCRC is the straightforward shift register form of the QDP CRC.
func bitwiseCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ Polynomial
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

func TestMakeTable(t *testing.T) {
	tbl := MakeTable(Polynomial)
	assert.Equal(t, uint32(0), tbl[0])
	assert.Equal(t, Polynomial, tbl[1])
	assert.Equal(t, Polynomial<<1, tbl[2])
}

func TestChecksum_MatchesBitwise(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xFF},
		[]byte("123456789"),
		[]byte("Q330 data protocol"),
		make([]byte, 576),
	}
	for i := range inputs[5] {
		inputs[5][i] = byte(i * 7)
	}

	for _, in := range inputs {
		assert.Equal(t, bitwiseCRC(in), Checksum(in), "input %x", in)
	}
}

func TestChecksum_Incremental(t *testing.T) {
	data := []byte("incremental update equals one shot")
	tbl := MakeTable(Polynomial)

	crc := tbl.Update(0, data[:10])
	crc = tbl.Update(crc, data[10:])
	assert.Equal(t, Checksum(data), crc)
}
