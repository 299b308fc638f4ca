package qdp

// StatusBits selects the status blocks requested with RQSTAT and present in STAT.
type StatusBits uint32

const (
	StatusGlobal StatusBits = 1 << iota
	StatusGPS
	StatusBoom
	StatusDataPort

	// StatusKnown is the set of blocks this package can decode.
	StatusKnown = StatusGlobal | StatusGPS | StatusBoom | StatusDataPort
)

// Has reports whether all bits of b are set.
func (s StatusBits) Has(b StatusBits) bool { return s&b == b }

// StatusRequest asks for the status blocks in Bitmap (RQSTAT).
type StatusRequest struct {
	Bitmap StatusBits
}

func (*StatusRequest) Opcode() Opcode { return OpRequestStatus }

func (m *StatusRequest) MarshalQDP(w *Writer) { w.U32(uint32(m.Bitmap)) }

func (m *StatusRequest) UnmarshalQDP(r *Reader) error {
	m.Bitmap = StatusBits(r.U32())
	return r.Err()
}

// GlobalStatus is the global status block.
type GlobalStatus struct {
	ClockQuality      uint16 // percent
	MinutesSinceLoss  uint16
	SecondsOffset     uint32 // seconds since 2000 of the data timestamps
	USecOffset        uint32
	DataSequence      uint32
	ClockDrift        int32 // microseconds
	CalibrationErrors uint16
	AuxInputs         uint16
}

func (g *GlobalStatus) marshal(w *Writer) {
	w.U16(g.ClockQuality)
	w.U16(g.MinutesSinceLoss)
	w.U32(g.SecondsOffset)
	w.U32(g.USecOffset)
	w.U32(g.DataSequence)
	w.I32(g.ClockDrift)
	w.U16(g.CalibrationErrors)
	w.U16(g.AuxInputs)
}

func (g *GlobalStatus) unmarshal(r *Reader) {
	g.ClockQuality = r.U16()
	g.MinutesSinceLoss = r.U16()
	g.SecondsOffset = r.U32()
	g.USecOffset = r.U32()
	g.DataSequence = r.U32()
	g.ClockDrift = r.I32()
	g.CalibrationErrors = r.U16()
	g.AuxInputs = r.U16()
}

// GPSStatus is the GPS status block.
type GPSStatus struct {
	Fix        uint16
	Satellites uint16
	Latitude   float32
	Longitude  float32
	Elevation  float32
}

func (g *GPSStatus) marshal(w *Writer) {
	w.U16(g.Fix)
	w.U16(g.Satellites)
	w.F32(g.Latitude)
	w.F32(g.Longitude)
	w.F32(g.Elevation)
}

func (g *GPSStatus) unmarshal(r *Reader) {
	g.Fix = r.U16()
	g.Satellites = r.U16()
	g.Latitude = r.F32()
	g.Longitude = r.F32()
	g.Elevation = r.F32()
}

// BoomStatus carries the mass positions and power supply readings.
type BoomStatus struct {
	MassPositions [6]int16
	SystemTemp    int16  // degrees C
	InputVolts    uint16 // units of 150 mV
	SystemCurrent uint16 // mA
}

// Volts returns the supply voltage in volts.
func (b *BoomStatus) Volts() float32 { return float32(b.InputVolts) * 0.15 }

func (b *BoomStatus) marshal(w *Writer) {
	for _, p := range b.MassPositions {
		w.I16(p)
	}
	w.I16(b.SystemTemp)
	w.U16(b.InputVolts)
	w.U16(b.SystemCurrent)
}

func (b *BoomStatus) unmarshal(r *Reader) {
	for i := range b.MassPositions {
		b.MassPositions[i] = r.I16()
	}
	b.SystemTemp = r.I16()
	b.InputVolts = r.U16()
	b.SystemCurrent = r.U16()
}

// DataPortStatus carries the device side counters of the registered data port.
type DataPortStatus struct {
	Sent          uint32
	Resends       uint32
	Fill          uint32
	SeqErrors     uint32
	PacketsQueued uint16
	BufferPercent uint16 // packet buffer usage in 1/256 percent steps
}

func (d *DataPortStatus) marshal(w *Writer) {
	w.U32(d.Sent)
	w.U32(d.Resends)
	w.U32(d.Fill)
	w.U32(d.SeqErrors)
	w.U16(d.PacketsQueued)
	w.U16(d.BufferPercent)
}

func (d *DataPortStatus) unmarshal(r *Reader) {
	d.Sent = r.U32()
	d.Resends = r.U32()
	d.Fill = r.U32()
	d.SeqErrors = r.U32()
	d.PacketsQueued = r.U16()
	d.BufferPercent = r.U16()
}

// Status is a status reply (STAT). Each block is present only when its bit is set.
type Status struct {
	Bitmap   StatusBits
	Global   Optional[GlobalStatus]
	GPS      Optional[GPSStatus]
	Boom     Optional[BoomStatus]
	DataPort Optional[DataPortStatus]
	// Extra holds the undecoded blocks of bits outside StatusKnown.
	Extra []byte
}

func (*Status) Opcode() Opcode { return OpStatus }

func (m *Status) MarshalQDP(w *Writer) {
	bitmap := m.Bitmap &^ StatusKnown
	if m.Global.Valid {
		bitmap |= StatusGlobal
	}
	if m.GPS.Valid {
		bitmap |= StatusGPS
	}
	if m.Boom.Valid {
		bitmap |= StatusBoom
	}
	if m.DataPort.Valid {
		bitmap |= StatusDataPort
	}
	w.U32(uint32(bitmap))
	if m.Global.Valid {
		m.Global.Value.marshal(w)
	}
	if m.GPS.Valid {
		m.GPS.Value.marshal(w)
	}
	if m.Boom.Valid {
		m.Boom.Value.marshal(w)
	}
	if m.DataPort.Valid {
		m.DataPort.Value.marshal(w)
	}
	w.Raw(m.Extra)
}

func (m *Status) UnmarshalQDP(r *Reader) error {
	*m = Status{Bitmap: StatusBits(r.U32())}
	if m.Bitmap.Has(StatusGlobal) {
		m.Global.Valid = true
		m.Global.Value.unmarshal(r)
	}
	if m.Bitmap.Has(StatusGPS) {
		m.GPS.Valid = true
		m.GPS.Value.unmarshal(r)
	}
	if m.Bitmap.Has(StatusBoom) {
		m.Boom.Valid = true
		m.Boom.Value.unmarshal(r)
	}
	if m.Bitmap.Has(StatusDataPort) {
		m.DataPort.Valid = true
		m.DataPort.Value.unmarshal(r)
	}
	if r.Err() != nil {
		return r.Err()
	}
	if r.Remaining() > 0 {
		m.Extra = r.Raw(r.Remaining())
	}

	return r.Err()
}
