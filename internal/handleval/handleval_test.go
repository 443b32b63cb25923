package handleval

import (
	"testing"
	"testing/quick"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	c := New(0x1234567890abcdef)
	// every slot of the first few generations is both unique and roundtrips
	unique := map[uint32]bool{}
	for gen := uint32(0); gen < 4; gen++ {
		for idx := uint32(0); idx < 4096; idx++ {
			v := c.Encode(idx, gen)
			if unique[v] {
				t.Fatalf("value %#x for (%d, %d) is not unique", v, idx, gen)
			}
			unique[v] = true
			if v == 0 {
				continue
			}
			gotIdx, gotGen, ok := c.Decode(v)
			if !ok || gotIdx != idx || gotGen != gen {
				t.Errorf("roundtrip error: (%d, %d) -> %#x -> (%d, %d, %v)", idx, gen, v, gotIdx, gotGen, ok)
			}
		}
	}
}

func TestQuickcheckEncodeDecode(t *testing.T) {
	if err := quick.Check(func(entropy uint64, idx, gen uint32) bool {
		c := New(entropy)
		idx &= slotMask
		gen &= MaxGen
		v := c.Encode(idx, gen)
		if v == 0 {
			return true
		}
		gotIdx, gotGen, ok := c.Decode(v)
		if !ok || gotIdx != idx || gotGen != gen {
			t.Errorf("roundtrip error: (%d, %d) -> %#x -> (%d, %d)", idx, gen, v, gotIdx, gotGen)
			return false
		}
		return true
	}, &quick.Config{}); err != nil {
		t.Error(err)
	}
}

func TestValuesFitIn31Bits(t *testing.T) {
	if err := quick.Check(func(entropy uint64, idx, gen uint32) bool {
		return New(entropy).Encode(idx, gen)&^valueMask == 0
	}, &quick.Config{}); err != nil {
		t.Error(err)
	}
}

func TestDecodeRejectsImpossibleValues(t *testing.T) {
	c := New(42)
	for _, v := range []uint32{0, 1 << 31, 0xffffffff} {
		if _, _, ok := c.Decode(v); ok {
			t.Errorf("expected %#x to be rejected", v)
		}
	}
}

func TestAdjacentSlotsAreNotAdjacentValues(t *testing.T) {
	c := New(0xdeadbeefcafef00d)
	adjacent := 0
	for idx := uint32(0); idx < 1000; idx++ {
		a, b := c.Encode(idx, 1), c.Encode(idx+1, 1)
		if b == a+1 || a == b+1 {
			adjacent++
		}
	}
	if adjacent > 10 {
		t.Fatalf("%d of 1000 adjacent slots encoded to adjacent values", adjacent)
	}
}

func TestCodecsDiffer(t *testing.T) {
	c1, c2 := New(1<<40|7), New(9<<40|1234)
	same := 0
	for idx := uint32(0); idx < 1000; idx++ {
		if c1.Encode(idx, 1) == c2.Encode(idx, 1) {
			same++
		}
	}
	if same > 1 {
		t.Fatalf("%d of 1000 slots encoded identically under different codecs", same)
	}
}

func TestInverse(t *testing.T) {
	for _, a := range []uint32{1, 3, 5, 0x2545f491, 0x7fffffff, 0xffffffff} {
		if a*inverse(a) != 1 {
			t.Errorf("inverse(%#x) = %#x is not an inverse", a, inverse(a))
		}
	}
}
