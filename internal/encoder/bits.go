package encoder

// bitWriter assembles RBSP syntax elements for the synthetic parameter
// sets. The counterpart of the bit reader in internal/h264.
type bitWriter struct {
	data []byte
	bit  int
}

func (bw *bitWriter) writeBit(v uint) {
	if bw.bit == 0 {
		bw.data = append(bw.data, 0)
	}
	if v != 0 {
		bw.data[len(bw.data)-1] |= 1 << (7 - bw.bit)
	}
	bw.bit = (bw.bit + 1) % 8
}

func (bw *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit((v >> i) & 1)
	}
}

// writeUE writes an unsigned Exp-Golomb code.
func (bw *bitWriter) writeUE(v uint) {
	bits := 0
	for tmp := v + 1; tmp > 0; tmp >>= 1 {
		bits++
	}
	bw.writeBits(0, bits-1)
	bw.writeBits(v+1, bits)
}

// writeSE writes a signed Exp-Golomb code.
func (bw *bitWriter) writeSE(v int) {
	if v <= 0 {
		bw.writeUE(uint(-2 * v))
		return
	}
	bw.writeUE(uint(2*v - 1))
}

// trailing appends the RBSP stop bit and byte-aligns with zeros.
func (bw *bitWriter) trailing() []byte {
	bw.writeBit(1)
	for bw.bit != 0 {
		bw.writeBit(0)
	}
	return bw.data
}

// escapeRBSP inserts 00 00 03 emulation prevention bytes so the payload
// cannot alias a start code on the wire.
func escapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp))
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
