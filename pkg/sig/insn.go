package sig

// InsnKind tags which recognized memory-access shape produced a signature.
type InsnKind string

const (
	InsnLoad       InsnKind = "load"    // mov reg, [reg+disp]
	InsnStore      InsnKind = "store"   // mov [reg+disp], reg
	InsnLEA        InsnKind = "lea"     // lea reg, [reg+disp]
	InsnFloatLoad  InsnKind = "fpload"  // movss/movsd reg, [reg+disp]
	InsnFloatStore InsnKind = "fpstore" // movss/movsd [reg+disp], reg
	InsnCompare    InsnKind = "cmp"     // cmp against [reg+disp]
	InsnArith      InsnKind = "arith"   // add/sub with [reg+disp]
)

// insnRef locates one recognized instruction whose encoded displacement
// equals the target field offset. All positions are relative to the start of
// the region data.
type insnRef struct {
	pos       int // first byte of the instruction (incl. prefixes)
	length    int // bytes through the end of the displacement
	dispPos   int // offset of the displacement within the instruction
	dispWidth int // 1 or 4
	kind      InsnKind
}

// matchInsn attempts to decode a recognized memory-access shape at data[i]
// whose displacement equals target. Only register-relative addressing with a
// disp8 or disp32 is accepted; RIP-relative and no-displacement forms never
// reference a struct field by offset.
func matchInsn(data []byte, i int, target int64) (insnRef, bool) {
	j := i

	// repne/rep prefixes select the scalar floating point forms
	var fp byte
	if j < len(data) && (data[j] == 0xF3 || data[j] == 0xF2) {
		fp = data[j]
		j++
	}

	// optional REX prefix
	if j < len(data) && data[j]&0xF0 == 0x40 {
		j++
	}

	var kind InsnKind
	if fp != 0 {
		if j+1 >= len(data) || data[j] != 0x0F {
			return insnRef{}, false
		}
		switch data[j+1] {
		case 0x10:
			kind = InsnFloatLoad
		case 0x11:
			kind = InsnFloatStore
		default:
			return insnRef{}, false
		}
		j += 2
	} else {
		if j >= len(data) {
			return insnRef{}, false
		}
		switch data[j] {
		case 0x8B:
			kind = InsnLoad
		case 0x89:
			kind = InsnStore
		case 0x8D:
			kind = InsnLEA
		case 0x3B, 0x39:
			kind = InsnCompare
		case 0x03, 0x2B:
			kind = InsnArith
		default:
			return insnRef{}, false
		}
		j++
	}

	if j >= len(data) {
		return insnRef{}, false
	}
	modrm := data[j]
	j++
	mod := modrm >> 6
	rm := modrm & 7

	var width int
	switch mod {
	case 1:
		width = 1
	case 2:
		width = 4
	default:
		return insnRef{}, false
	}

	if rm == 4 { // SIB byte
		j++
	}

	if j+width > len(data) {
		return insnRef{}, false
	}

	var disp int64
	if width == 1 {
		disp = int64(int8(data[j]))
	} else {
		disp = int64(int32(uint32(data[j]) | uint32(data[j+1])<<8 | uint32(data[j+2])<<16 | uint32(data[j+3])<<24))
	}
	if disp != target {
		return insnRef{}, false
	}

	return insnRef{
		pos:       i,
		length:    j + width - i,
		dispPos:   j - i,
		dispWidth: width,
		kind:      kind,
	}, true
}

// findCandidates scans region data for recognized instructions referencing
// the target offset, returning at most max hits.
func findCandidates(data []byte, target int64, max int) []insnRef {
	var refs []insnRef
	for i := 0; i < len(data); i++ {
		if ref, ok := matchInsn(data, i, target); ok {
			refs = append(refs, ref)
			if max > 0 && len(refs) >= max {
				break
			}
		}
	}
	return refs
}
