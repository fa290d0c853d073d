package runtime

// Hand-assembled WASM fixtures. Building real handler toolchains into
// the test suite would drag in external compilers; these modules are
// small enough to emit directly from the binary format.

// leb encodes an unsigned LEB128 value.
func leb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// sleb encodes a signed LEB128 value.
func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmSection(id byte, contents []byte) []byte {
	out := []byte{id}
	out = append(out, leb(uint32(len(contents)))...)
	return append(out, contents...)
}

func wasmVec(items ...[]byte) []byte {
	out := leb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmStr(s string) []byte {
	return append(leb(uint32(len(s))), s...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func funcBody(locals []byte, instrs ...byte) []byte {
	body := append(locals, instrs...)
	return append(leb(uint32(len(body))), body...)
}

var (
	noLocals = wasmVec()                                  // no local declarations
	i32Local = wasmVec(append(leb(1), 0x7f))              // one i32 local
	typeVoid = []byte{0x60, 0x00, 0x00}                   // () -> ()
	typeII_I = []byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f} // (i32,i32) -> i32
	typeI    = []byte{0x60, 0x01, 0x7f, 0x00}             // (i32) -> ()
)

func hostImport(name string, typeIdx uint32) []byte {
	out := wasmStr("wasi:http/host")
	out = append(out, wasmStr(name)...)
	out = append(out, 0x00)
	return append(out, leb(typeIdx)...)
}

func funcExport(name string, idx uint32) []byte {
	out := wasmStr(name)
	out = append(out, 0x00)
	return append(out, leb(idx)...)
}

func memExport(name string, idx uint32) []byte {
	out := wasmStr(name)
	out = append(out, 0x02)
	return append(out, leb(idx)...)
}

// echoWasm reads the request body into linear memory and writes it
// straight back as the response body.
func echoWasm() []byte {
	body := []byte{0x41, 0x00} // i32.const 0 (buf)
	body = append(body, 0x41)  // i32.const 65536 (limit)
	body = append(body, sleb(65536)...)
	body = append(body,
		0x10, 0x00, // call request-body-read
		0x21, 0x00, // local.set 0
		0x41, 0x00, // i32.const 0
		0x20, 0x00, // local.get 0
		0x10, 0x01, // call response-body-write
		0x1a, // drop
		0x0b, // end
	)
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid, typeII_I)),
		wasmSection(2, wasmVec(
			hostImport("request-body-read", 1),
			hostImport("response-body-write", 1),
		)),
		wasmSection(3, wasmVec(leb(0))),
		wasmSection(5, wasmVec([]byte{0x00, 0x01})), // memory, min 1 page
		wasmSection(7, wasmVec(funcExport("handle", 2), memExport("memory", 0))),
		wasmSection(10, wasmVec(funcBody(i32Local, body...))),
	)
}

// noopWasm handles the request without producing anything.
func noopWasm() []byte {
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid)),
		wasmSection(3, wasmVec(leb(0))),
		wasmSection(7, wasmVec(funcExport("handle", 0))),
		wasmSection(10, wasmVec(funcBody(noLocals, 0x0b))),
	)
}

// busyLoopWasm spins forever; only the epoch deadline stops it.
func busyLoopWasm() []byte {
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid)),
		wasmSection(3, wasmVec(leb(0))),
		wasmSection(7, wasmVec(funcExport("handle", 0))),
		wasmSection(10, wasmVec(funcBody(noLocals,
			0x03, 0x40, // loop
			0x0c, 0x00, // br 0
			0x0b, // end loop
			0x0b, // end
		))),
	)
}

// fuelBurnerWasm calls a helper in a tight loop, charging the fuel
// budget on every entry.
func fuelBurnerWasm() []byte {
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid)),
		wasmSection(3, wasmVec(leb(0), leb(0))),
		wasmSection(7, wasmVec(funcExport("handle", 1))),
		wasmSection(10, wasmVec(
			funcBody(noLocals, 0x0b), // helper: no-op
			funcBody(noLocals,
				0x03, 0x40, // loop
				0x10, 0x00, // call helper
				0x0c, 0x00, // br 0
				0x0b,
				0x0b,
			),
		)),
	)
}

// trapWasm traps unconditionally.
func trapWasm() []byte {
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid)),
		wasmSection(3, wasmVec(leb(0))),
		wasmSection(7, wasmVec(funcExport("handle", 0))),
		wasmSection(10, wasmVec(funcBody(noLocals, 0x00, 0x0b))), // unreachable
	)
}

// statusWasm answers every request with the given status and no body.
func statusWasm(status int32) []byte {
	body := []byte{0x41}
	body = append(body, sleb(status)...)
	body = append(body, 0x10, 0x00, 0x0b)
	return wasmModule(
		wasmSection(1, wasmVec(typeVoid, typeI)),
		wasmSection(2, wasmVec(hostImport("response-set-status", 1))),
		wasmSection(3, wasmVec(leb(0))),
		wasmSection(7, wasmVec(funcExport("handle", 1))),
		wasmSection(10, wasmVec(funcBody(noLocals, body...))),
	)
}
