// Package handleval maps handle table slots to the opaque integers user mode
// sees as handle values, and back.
//
// A slot is named by its index and a generation that is bumped every time the
// slot is freed. The pair is packed into a 31-bit raw value,
//
//	raw = gen<<SlotBits | index
//
// and then mixed with per-table random parameters:
//
//	value = ((raw * mul) mod 2^31) XOR seed
//
// mul is odd, so multiplication is a bijection modulo 2^31 and is undone with
// its modular inverse. The whole mapping is therefore a bijection: decoding is
// exact, adjacent slots do not produce adjacent values, and the same slot in
// two tables with different parameters produces unrelated values.
package handleval

const (
	// SlotBits is the number of bits of a raw value holding the slot index.
	SlotBits = 20
	// GenBits is the number of bits of a raw value holding the generation.
	GenBits = 11

	// MaxSlots is the number of addressable slots in one table.
	MaxSlots = 1 << SlotBits
	// MaxGen is the largest generation a slot can carry.
	MaxGen = 1<<GenBits - 1

	valueBits = SlotBits + GenBits
	valueMask = 1<<valueBits - 1
	slotMask  = MaxSlots - 1
)

// Codec encodes and decodes the handle values of a single table.
type Codec struct {
	mul  uint32
	inv  uint32
	seed uint32
}

// New derives a codec from 64 bits of entropy. The low half becomes the XOR
// seed and the high half the multiplier.
func New(entropy uint64) Codec {
	mul := uint32(entropy>>32)&valueMask | 1
	if mul == 1 {
		// identity multiplication would leave adjacent slots adjacent
		mul = 0x2545f491 & valueMask
	}
	return Codec{
		mul:  mul,
		inv:  inverse(mul),
		seed: uint32(entropy) & valueMask,
	}
}

// Encode returns the value for the given slot index and generation. The
// result is 0 for exactly one (index, gen) pair per codec; callers must treat 0
// as unusable and pick another generation.
func (c Codec) Encode(index, gen uint32) uint32 {
	raw := (gen&MaxGen)<<SlotBits | index&slotMask
	return (raw*c.mul)&valueMask ^ c.seed
}

// Decode inverts Encode. ok is false for values that cannot have been produced
// by any codec, i.e. values wider than 31 bits and 0.
func (c Codec) Decode(value uint32) (index, gen uint32, ok bool) {
	if value == 0 || value&^valueMask != 0 {
		return 0, 0, false
	}
	raw := ((value ^ c.seed) * c.inv) & valueMask
	return raw & slotMask, raw >> SlotBits, true
}

// inverse returns x such that a*x == 1 mod 2^32 for odd a, which also holds
// modulo 2^31. Each Newton step doubles the number of correct low bits; a is
// its own inverse modulo 8, so five steps reach 96 bits.
func inverse(a uint32) uint32 {
	x := a
	for i := 0; i < 5; i++ {
		x *= 2 - a*x
	}
	return x
}
