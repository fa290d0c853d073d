package bench

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wasmgate/wasmgate/runtime"
	"github.com/wasmgate/wasmgate/wasihttp"
)

func benchRuntime(b *testing.B) (*runtime.Runtime, string) {
	b.Helper()
	dir := b.TempDir()
	cfg := runtime.DefaultConfig()
	cfg.ModulesDir = dir
	cfg.ScriptsDir = ""
	rt, err := runtime.New(cfg, quietLogger())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { rt.Close() })
	return rt, dir
}

// echoWasm is a hand-assembled handler that exports handle, reads the
// request body into linear memory, and writes it back unchanged.
var echoWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	// type section: ()->(), (i32,i32)->i32
	0x01, 0x0a, 0x02, 0x60, 0x00, 0x00, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// import section: wasi:http/host request-body-read, response-body-write
	0x02, 0x49, 0x02,
	0x0e, 'w', 'a', 's', 'i', ':', 'h', 't', 't', 'p', '/', 'h', 'o', 's', 't',
	0x11, 'r', 'e', 'q', 'u', 'e', 's', 't', '-', 'b', 'o', 'd', 'y', '-', 'r', 'e', 'a', 'd',
	0x00, 0x01,
	0x0e, 'w', 'a', 's', 'i', ':', 'h', 't', 't', 'p', '/', 'h', 'o', 's', 't',
	0x13, 'r', 'e', 's', 'p', 'o', 'n', 's', 'e', '-', 'b', 'o', 'd', 'y', '-', 'w', 'r', 'i', 't', 'e',
	0x00, 0x01,
	// function section: one func of type 0
	0x03, 0x02, 0x01, 0x00,
	// memory section: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export section: handle (func 2), memory (mem 0)
	0x07, 0x13, 0x02,
	0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	// code section
	0x0a, 0x17, 0x01, 0x15,
	0x01, 0x01, 0x7f, // one i32 local
	0x41, 0x00, // i32.const 0
	0x41, 0x80, 0x80, 0x04, // i32.const 65536
	0x10, 0x00, // call request-body-read
	0x21, 0x00, // local.set 0
	0x41, 0x00, // i32.const 0
	0x20, 0x00, // local.get 0
	0x10, 0x01, // call response-body-write
	0x1a, // drop
	0x0b, // end
}

func installEcho(b *testing.B, dir string) {
	b.Helper()
	if err := os.WriteFile(filepath.Join(dir, "echo.wasm"), echoWasm, 0o644); err != nil {
		b.Fatal(err)
	}
}

func benchRequest() *wasihttp.Request {
	return &wasihttp.Request{
		Method:  "POST",
		Path:    "/",
		Headers: headerPool,
		Body:    []byte(`{"echo":42}`),
	}
}
