package modulation

// Vibrato is a delayed, table-driven pitch oscillation.
type Vibrato struct {
	Delay    uint8
	Speed    int8
	Strength int8
	Wave     uint8

	curDelay uint8
	pos      int16
	// Wrap limits the phase counter to 9 bits. Older driver revisions let it
	// run freely.
	Wrap bool
}

// Reset restarts the onset delay and phase.
func (v *Vibrato) Reset() {
	v.curDelay = v.Delay
	v.pos = 0
}

// Step advances one tick and returns the pitch offset for it.
func (v *Vibrato) Step(m PitchMode) int32 {
	if v.curDelay > 0 {
		v.curDelay--
		return 0
	}
	idx := int16(int32(v.Speed) * int32(v.pos) / 0x1F)
	// the first tick reads the entry before the period start, which is 0
	val := m.VibratoLUT(v.Wave, int(idx)-1)
	v.pos++
	if v.Wrap {
		v.pos &= 0x1FF
	}
	return m.VibratoOffset(v.Strength, val)
}

// Portamento ramps linearly over Duration ticks towards Range.
type Portamento struct {
	Range    int32
	Duration uint16

	pos int32
}

// Start rewinds the ramp.
func (p *Portamento) Start() {
	p.pos = 0
}

// Active reports whether the ramp has ticks left.
func (p *Portamento) Active() bool {
	return p.pos < int32(p.Duration)
}

// Step returns the offset for the current tick and advances. It returns
// false once the ramp has completed.
func (p *Portamento) Step() (int32, bool) {
	if !p.Active() {
		return 0, false
	}
	off := p.Range * p.pos / int32(p.Duration)
	p.pos++
	return off, true
}

// PitchSlide adds Delta to its frequency offset every tick after Delay.
type PitchSlide struct {
	Delay uint8
	Delta int16
	Freq  int16

	curDelay uint8
}

// Reset restarts the delay and clears the accumulated offset.
func (s *PitchSlide) Reset() {
	s.curDelay = s.Delay
	s.Freq = 0
}

// Restart restarts the delay but keeps the accumulated offset.
func (s *PitchSlide) Restart() {
	s.curDelay = s.Delay
}

// Step advances one tick.
func (s *PitchSlide) Step() {
	if s.curDelay > 0 {
		s.curDelay--
		return
	}
	s.Freq += s.Delta
}

// BendSlide ramps a pitch bend offset linearly in 16.16 fixed point.
type BendSlide struct {
	delta  int32
	offset int32
	ticks  uint16
	pos    uint16
}

// Start begins a slide of rng over ticks ticks. 64 units of rng are one
// semitone at the given bend range. A zero range or duration stops the
// slide.
func (s *BendSlide) Start(rng int16, bendRange uint8, ticks uint16) {
	*s = BendSlide{}
	if bendRange == 0 || ticks == 0 {
		return
	}
	s.ticks = ticks
	s.delta = int32((int64(rng) << 23) / int64(bendRange) / int64(ticks))
}

// Active reports whether the slide has ticks left.
func (s *BendSlide) Active() bool {
	return s.pos < s.ticks
}

// Pos returns the number of ticks done.
func (s *BendSlide) Pos() uint16 {
	return s.pos
}

// Step advances one tick. It returns the bend offset and whether this was
// the last tick of the slide.
func (s *BendSlide) Step() (int32, bool) {
	s.offset += s.delta
	s.pos++
	return s.offset >> 16, s.pos >= s.ticks
}

// Offset returns the current bend offset. A completed slide has none.
func (s *BendSlide) Offset() int32 {
	if !s.Active() {
		return 0
	}
	return s.offset >> 16
}

// Tremolo modulates the output volume downwards after Delay.
type Tremolo struct {
	Delay    uint8
	Speed    uint8
	Strength uint8
	VolScale uint8

	curDelay uint8
	pos      uint16
}

// Reset restarts the onset delay and phase.
func (t *Tremolo) Reset() {
	t.curDelay = t.Delay
	t.pos = 0
}

// Step advances one tick and returns vol with the tremolo applied.
func (t *Tremolo) Step(m PitchMode, vol uint8) uint8 {
	if t.curDelay > 0 {
		t.curDelay--
		return vol
	}
	idx := uint16(uint32(t.Speed) * uint32(t.pos) / 0x20)
	val := m.TremoloLUT(idx)
	vol = uint8(uint32(vol) * uint32(t.VolScale) / 0x7F)
	depth := uint16(uint32(vol) * uint32(t.Strength) / 0xFF)
	off := int16(int32(int16(depth)) * int32(val) / 0x100)
	t.pos++
	return uint8(int16(vol) + off)
}

// Envelope phases.
const (
	PhaseAttack uint8 = iota
	PhaseDecay
	PhaseSustain
	PhaseSilent
	PhaseRelease
	PhaseKeyOff
)

// Envelope is the five-phase software volume envelope. Levels are 0..0x7F,
// times are in ticks.
type Envelope struct {
	AttackLevel uint8
	AttackTime  uint8
	DecayTime   uint8
	DecayLevel  uint8
	SustainRate uint8
	ReleaseTime uint8
	Phase       uint8
	Tick        int16
	Level       uint8
}

// Reset restarts the envelope at the attack phase.
func (e *Envelope) Reset() {
	e.Phase = PhaseAttack
	e.Tick = 0
}

// Release enters the release phase. It returns false if the envelope has
// already keyed off, in which case the caller ends the note itself.
func (e *Envelope) Release() bool {
	if e.Phase == PhaseKeyOff {
		return false
	}
	e.Phase = PhaseRelease
	e.Tick = 0
	return true
}

// Step advances one tick and returns vol scaled by the envelope. keyOff is
// set while the envelope sits in the key-off phase.
func (e *Envelope) Step(vol uint8) (out uint8, keyOff bool) {
	var dur, level, delta int16
	switch e.Phase {
	case PhaseAttack:
		dur = int16(e.AttackTime)
		level = int16(e.AttackLevel)
		delta = 0x7F - int16(e.AttackLevel)
	case PhaseDecay:
		dur = int16(e.DecayTime)
		level = 0x7F
		delta = int16(e.DecayLevel) - 0x7F
	case PhaseSustain:
		dur = SustainRates[e.SustainRate&0x7F]
		level = int16(e.DecayLevel)
		delta = -int16(e.DecayLevel)
	case PhaseRelease:
		dur = int16(e.ReleaseTime)
		level = int16(e.Level)
		delta = -int16(e.Level)
	case PhaseKeyOff:
		return 0, true
	default:
		return 0, false
	}
	if dur != 0 {
		delta = int16(int32(delta) * int32(e.Tick) / int32(dur))
		level += delta
		if e.Tick == dur {
			e.Phase++
			e.Tick = 0
		}
	}
	e.Level = uint8(level)
	e.Tick++
	return uint8(int32(vol) * int32(level) / 0x7F), false
}
