package lwm2m

import (
	"bytes"
	"context"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/mux"
)

// CoAPAdapter bridges real go-coap/v2 mux messages onto the
// transport-agnostic Request/Response types dispatch.go works with,
// mirroring the teacher's coapResponseWriter adapter in coap.go: the
// dispatch decision stays pure and unit-testable, and only this file
// touches the wire library.
//
// CoAPAdapter also implements NotifyTransport: it keeps the
// mux.ResponseWriter a GET-with-Observe arrived on and reuses it to push
// further 2.05 Content responses carrying an incrementing Observe
// sequence number, per spec.md §4.6/RFC 7641 §3.
type CoAPAdapter struct {
	Handler         *RequestHandler
	ServerID        uint16
	BootstrapClient *BootstrapClient

	mu      sync.Mutex
	writers map[observerKey]mux.ResponseWriter
	seq     map[observerKey]uint32
}

// ServeCOAP implements mux.Handler: it converts w/r into a Request,
// special-cases the server's `POST /bs` Bootstrap-Finish signal (which
// targets no Object path), runs everything else through the
// RequestHandler, and writes the Response back.
func (a *CoAPAdapter) ServeCOAP(w mux.ResponseWriter, r *mux.Message) {
	if path, _ := r.Options.Path(); r.Code() == codes.POST {
		if segs := pathSegments(path); len(segs) == 1 && segs[0] == "bs" {
			a.handleBootstrapFinish(w)
			return
		}
	}

	req, err := a.toRequest(r)
	if err != nil {
		writeResponse(w, errResponse(err))
		return
	}

	resp := a.Handler.Handle(req)
	if resp.Observe {
		a.rememberWriter(serverScope(req.ServerID), req.Path.String(), w)
	}
	writeResponse(w, resp)
}

// rememberWriter stashes the ResponseWriter an Observe GET arrived on so
// a later SendNotify can push further responses down the same exchange.
func (a *CoAPAdapter) rememberWriter(scope, path string, w mux.ResponseWriter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writers == nil {
		a.writers = make(map[observerKey]mux.ResponseWriter)
		a.seq = make(map[observerKey]uint32)
	}
	a.writers[observerKey{scope: scope, path: path}] = w
}

// SendNotify implements NotifyTransport by reusing the ResponseWriter
// captured at Observe-establishment time, incrementing the RFC 7641
// Observe sequence number on each push.
func (a *CoAPAdapter) SendNotify(ctx context.Context, scope string, obs *Observation, resp Response) error {
	key := observerKey{scope: scope, path: obs.Path.String()}
	a.mu.Lock()
	w, ok := a.writers[key]
	if ok {
		a.seq[key]++
	}
	seq := a.seq[key]
	a.mu.Unlock()
	if !ok {
		return Errorf(KindTransport, "no open Observe exchange for scope %s path %s", scope, obs.Path.String())
	}
	var opts message.Options
	opts, _ = opts.SetObserve(nil, seq)
	var body *bytes.Reader
	if len(resp.Body) > 0 {
		body = bytes.NewReader(resp.Body)
	}
	return w.SetResponse(resp.Code, resp.ContentFormat, body, opts...)
}

// forgetWriter drops a stashed ResponseWriter once its observation is
// cancelled, so SendNotify stops being attempted against a dead exchange.
func (a *CoAPAdapter) forgetWriter(scope, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := observerKey{scope: scope, path: path}
	delete(a.writers, key)
	delete(a.seq, key)
}

// CancelFunc returns the callback to wire as ObserveEngine.OnCancel, so
// that cancelling an observer releases the ResponseWriter this adapter
// stashed for it.
func (a *CoAPAdapter) CancelFunc() func(scope, path string) {
	return a.forgetWriter
}

func (a *CoAPAdapter) handleBootstrapFinish(w mux.ResponseWriter) {
	if a.BootstrapClient != nil {
		a.BootstrapClient.Finish()
	}
	writeResponse(w, Response{Code: codes.Changed})
}

// toRequest decodes a mux.Message into a Request: path, content format,
// Observe option, Execute arguments, and body bytes.
func (a *CoAPAdapter) toRequest(r *mux.Message) (Request, error) {
	path, err := r.Options.Path()
	if err != nil && err != message.ErrOptionNotFound {
		return Request{}, Errorf(KindInvalidArgument, "decoding CoAP path: %v", err)
	}
	parsed, err := ParsePath(path)
	if err != nil {
		return Request{}, err
	}

	contentFormat, _ := r.Options.ContentFormat()

	var body []byte
	if r.Body != nil {
		b, err := ioutil.ReadAll(r.Body)
		if err != nil {
			return Request{}, Errorf(KindTransport, "reading CoAP body: %v", err)
		}
		body = b
	}

	observeVal, obsErr := r.Options.Observe()
	observe := obsErr == nil && observeVal == 0

	var execArgs string
	if parsed.Segments == 3 && r.Code() == codes.POST {
		execArgs = string(body)
	}

	return Request{
		ServerID:      a.ServerID,
		Method:        r.Code(),
		Path:          parsed,
		ContentFormat: contentFormat,
		Body:          body,
		ExecuteArgs:   execArgs,
		Observe:       observe,
		Token:         append([]byte(nil), r.Token()...),
	}, nil
}

func writeResponse(w mux.ResponseWriter, resp Response) {
	var opts message.Options
	if resp.Observe {
		opts, _ = opts.SetObserve(nil, 0)
	}
	var body *bytes.Reader
	if len(resp.Body) > 0 {
		body = bytes.NewReader(resp.Body)
	}
	_ = w.SetResponse(resp.Code, resp.ContentFormat, body, opts...)
}

// queryValues parses a CoAP Uri-Query option set ("k=v" pairs) the way
// the Registration Engine needs for `/rd` and `/rd/<loc>`, per spec.md §4.2.
func queryValues(r *mux.Message) map[string]string {
	out := make(map[string]string)
	queries, err := r.Options.Queries()
	if err != nil {
		return out
	}
	for _, q := range queries {
		if i := strings.IndexByte(q, '='); i >= 0 {
			out[q[:i]] = q[i+1:]
		} else {
			out[q] = ""
		}
	}
	return out
}

// RegQueryFromCoAP builds a RegQuery from a `/rd` or `/rd/<loc>` request's
// Uri-Query options, per spec.md §4.2.
func RegQueryFromCoAP(r *mux.Message) RegQuery {
	q := queryValues(r)
	lifetime := 0
	for _, c := range q["lt"] {
		if c < '0' || c > '9' {
			lifetime = 0
			break
		}
		lifetime = lifetime*10 + int(c-'0')
	}
	return RegQuery{
		Endpoint: q["ep"],
		Lifetime: lifetime,
		Binding:  q["b"],
		SMS:      q["sms"],
		LWM2M:    q["lwm2m"],
	}
}
