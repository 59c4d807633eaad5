package shiftreg

import (
	"github.com/thatsimonsguy/flush-controller/internal/gpio"
	"github.com/thatsimonsguy/flush-controller/internal/model"
)

// Bit layout across the daisy-chained 74HC595s. One bank of boolean outputs:
// motor direction bits, motor enable bits, then LEDs.
const (
	Width = 24

	DirBase    = 0
	EnableBase = 8
	LEDBase    = 16
)

// Bank drives the shift-register chain over three GPIO lines. Writes are
// staged in memory and applied with a single whole-bank Push, so a multi-bit
// update (a valve transaction setting several direction bits) reaches the
// outputs atomically at the latch edge.
type Bank struct {
	dataPin  int
	clockPin int
	latchPin int
	bits     uint32
}

func New(dataPin, clockPin, latchPin int) *Bank {
	return &Bank{dataPin: dataPin, clockPin: clockPin, latchPin: latchPin}
}

// Stage sets one output bit without pushing.
func (b *Bank) Stage(index int, on bool) {
	if index < 0 || index >= Width {
		return
	}
	if on {
		b.bits |= 1 << uint(index)
	} else {
		b.bits &^= 1 << uint(index)
	}
}

// Bit reports the staged state of one output.
func (b *Bank) Bit(index int) bool {
	return b.bits&(1<<uint(index)) != 0
}

// Set stages one bit and pushes immediately.
func (b *Bank) Set(index int, on bool) {
	b.Stage(index, on)
	b.Push()
}

// StageDirection stages a motor direction bit. Close drives the bit high.
func (b *Bank) StageDirection(dirBit int, dir model.Direction) {
	b.Stage(DirBase+dirBit, dir == model.DirectionClose)
}

// SetLEDs replaces the LED field in one push.
func (b *Bank) SetLEDs(mask uint8) {
	b.bits = (b.bits &^ (0xFF << uint(LEDBase))) | uint32(mask)<<uint(LEDBase)
	b.Push()
}

// Push shifts the whole bank out MSB first. Latch is held low during the
// shift so the outputs only change on the final latch edge.
func (b *Bank) Push() {
	gpio.Write(b.latchPin, false)
	for i := Width - 1; i >= 0; i-- {
		gpio.Write(b.clockPin, false)
		gpio.Write(b.dataPin, b.bits&(1<<uint(i)) != 0)
		gpio.Write(b.clockPin, true)
	}
	gpio.Write(b.latchPin, true)
}

// Clear zeroes every output and pushes.
func (b *Bank) Clear() {
	b.bits = 0
	b.Push()
}
