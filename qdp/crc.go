package qdp

// Polynomial is the generator polynomial of the QDP CRC.
const Polynomial uint32 = 0x56070368

// CRCTable is a lookup table for the MSB-first 32-bit CRC used by QDP.
type CRCTable [256]uint32

var defaultTable = MakeTable(Polynomial)

// MakeTable builds the lookup table for poly.
func MakeTable(poly uint32) *CRCTable {
	t := new(CRCTable)
	for i := range t {
		tdata := uint32(i) << 24
		var accum uint32
		for range 8 {
			if (tdata^accum)&0x80000000 != 0 {
				accum = accum<<1 ^ poly
			} else {
				accum <<= 1
			}
			tdata <<= 1
		}
		t[i] = accum
	}

	return t
}

// Update returns the result of adding the bytes in p to crc.
func (t *CRCTable) Update(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = crc<<8 ^ t[byte(crc>>24)^b]
	}

	return crc
}

// Checksum returns the QDP CRC of data.
//
// The same checksum protects the continuity records written to disk.
func Checksum(data []byte) uint32 {
	return defaultTable.Update(0, data)
}
