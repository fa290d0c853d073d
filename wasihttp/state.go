package wasihttp

import (
	"bytes"
	"net/http"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmgate/wasmgate/bufpool"
)

// Request is the host-side view of one inbound handler request. The
// body is fully staged before execution; the outer layer enforces the
// size cap at read time.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// Response is what the guest produced. Status defaults to 200 when the
// guest wrote a body without setting one, and 204 when it wrote
// nothing at all.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Limits bound what a single invocation may produce.
type Limits struct {
	MaxBodyBytes   int64
	MaxHeaders     int
	MaxHeaderName  int
	MaxHeaderValue int
}

// DefaultLimits mirrors the runtime defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes:   10 << 20,
		MaxHeaders:     64,
		MaxHeaderName:  256,
		MaxHeaderValue: 4096,
	}
}

// State carries one invocation through the guest call. It is owned by
// the pipeline and referenced by host functions via the context; it is
// never shared between invocations.
type State struct {
	req     *Request
	limits  Limits
	pool    *bufpool.Pool
	bodyOff int

	status     int
	statusSet  bool
	headers    http.Header
	body       bytes.Buffer
	wroteBody  bool
	err        error
	namesCache []byte
}

// NewState stages a request for execution.
func NewState(req *Request, limits Limits, pool *bufpool.Pool) *State {
	return &State{
		req:     req,
		limits:  limits,
		pool:    pool,
		headers: make(http.Header),
	}
}

// Response finalizes and returns the guest's response.
func (s *State) Response() *Response {
	status := s.status
	if !s.statusSet {
		if s.wroteBody {
			status = http.StatusOK
		} else {
			status = http.StatusNoContent
		}
	}
	return &Response{
		Status:  status,
		Headers: s.headers,
		Body:    s.body.Bytes(),
	}
}

// Err returns a body-cap violation recorded during execution.
func (s *State) Err() error { return s.err }

func (s *State) headerNames() []byte {
	if s.namesCache != nil {
		return s.namesCache
	}
	names := make([]string, 0, len(s.req.Headers))
	for name := range s.req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	s.namesCache = []byte(strings.Join(names, "\x00"))
	return s.namesCache
}

func (s *State) headerValue(name string) (string, bool) {
	vs := s.req.Headers.Values(name)
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// readBody copies the next chunk of the staged request body into guest
// memory through a pooled staging buffer.
func (s *State) readBody(mod api.Module, buf, limit uint32) uint32 {
	remaining := len(s.req.Body) - s.bodyOff
	if remaining <= 0 || limit == 0 {
		return 0
	}
	n := int(limit)
	if n > remaining {
		n = remaining
	}
	stage := s.pool.Get()
	defer s.pool.Put(stage)
	if n > cap(stage) {
		n = cap(stage)
	}
	stage = append(stage, s.req.Body[s.bodyOff:s.bodyOff+n]...)
	if !mod.Memory().Write(buf, stage) {
		return 0
	}
	s.bodyOff += n
	return uint32(n)
}

func (s *State) setStatus(code int) {
	if code < 100 || code > 599 {
		return
	}
	s.status = code
	s.statusSet = true
}

func (s *State) setHeader(name, val string) {
	if len(s.headers) >= s.limits.MaxHeaders {
		return
	}
	if len(name) == 0 || len(name) > s.limits.MaxHeaderName || len(val) > s.limits.MaxHeaderValue {
		return
	}
	s.headers.Set(name, val)
}

// writeBody appends a guest chunk to the response, staging through the
// pool and enforcing the body cap.
func (s *State) writeBody(mod api.Module, ptr, length uint32) uint32 {
	if length == 0 {
		return 0
	}
	if int64(s.body.Len())+int64(length) > s.limits.MaxBodyBytes {
		s.err = ErrBodyTooLarge
		return 0
	}
	written := uint32(0)
	for written < length {
		stage := s.pool.Get()
		chunk := uint32(cap(stage))
		if rest := length - written; rest < chunk {
			chunk = rest
		}
		data, ok := mod.Memory().Read(ptr+written, chunk)
		if !ok {
			s.pool.Put(stage)
			return written
		}
		stage = append(stage, data...)
		s.body.Write(stage)
		s.pool.Put(stage)
		written += chunk
	}
	s.wroteBody = true
	return written
}
