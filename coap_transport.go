package lwm2m

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/matrix-org/go-coap/v2/dtls"
	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/udp"
	"github.com/matrix-org/go-coap/v2/udp/message/pool"
	piondtls "github.com/pion/dtls/v2"
)

// coapDoer is the subset of the udp.Dial/dtls.Dial connection this file
// drives: a single request/response round trip, the same shape cmd/coap's
// mainDTLS uses via co.Do(msg).
type coapDoer interface {
	Do(req *pool.Message) (*pool.Message, error)
	Close() error
}

// dialServerURI opens a CoAP connection to a "coap://host:port" or
// "coaps://host:port" server URI, securing it per sec when the scheme (or
// sec.Mode) calls for DTLS. It mirrors cmd/coap/main.go's mainDTLS dial
// step, generalized to also cover the NoSec case via the udp package that
// go-coap/v2 exposes alongside dtls for transport parity.
func dialServerURI(uri string, sec SecurityConfig) (coapDoer, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, Errorf(KindInvalidArgument, "parsing server URI %q: %v", uri, err)
	}
	host := u.Host
	if host == "" {
		host = strings.TrimPrefix(strings.TrimPrefix(uri, "coaps://"), "coap://")
	}
	if sec.Mode == SecurityModeNone && u.Scheme != "coaps" {
		conn, err := udp.Dial(host)
		if err != nil {
			return nil, Errorf(KindTransport, "dialing %s: %v", host, err)
		}
		return conn, nil
	}
	dtlsCfg, err := sec.ClientDTLSConfig()
	if err != nil {
		return nil, err
	}
	if dtlsCfg == nil {
		dtlsCfg = &piondtls.Config{}
	}
	conn, err := dtls.Dial(host, dtlsCfg)
	if err != nil {
		return nil, Errorf(KindTransport, "dialing %s over DTLS: %v", host, err)
	}
	return conn, nil
}

// buildMessage assembles an outbound pool.Message for one CoAP request,
// per the builder-style API cmd/proxy and cmd/coap drive (pool.AcquireMessage
// plus Set* calls) to construct/inspect messages on the wire.
func buildMessage(ctx context.Context, method codes.Code, path string, contentFormat message.MediaType, body []byte, token []byte, observe *uint32) (*pool.Message, error) {
	msg := pool.AcquireMessage(ctx)
	msg.SetCode(method)
	if len(token) > 0 {
		msg.SetToken(token)
	}
	if err := msg.SetPath(path); err != nil {
		pool.ReleaseMessage(msg)
		return nil, Errorf(KindInvalidArgument, "setting CoAP path %q: %v", path, err)
	}
	if len(body) > 0 {
		msg.SetContentFormat(contentFormat)
		msg.SetBody(bytes.NewReader(body))
	}
	if observe != nil {
		msg.SetObserve(*observe)
	}
	return msg, nil
}

func uint32p(v uint32) *uint32 { return &v }

// CoAPManagementTransport implements ManagementTransport by dialing the
// client's registered address for each request. Connections are not
// pooled: a production deployment under heavy load would want to cache
// one coapDoer per RegisteredClient instead of dialing per call, but that
// is an optimization, not a semantic requirement of spec.md §4.4.
type CoAPManagementTransport struct {
	Security func(client *RegisteredClient) SecurityConfig
}

// Do sends one management request to client.Addr and converts the reply
// into a Response.
func (t *CoAPManagementTransport) Do(ctx context.Context, client *RegisteredClient, req ManagementRequest) (Response, error) {
	sec := SecurityConfig{Mode: SecurityModeNone}
	if t.Security != nil {
		sec = t.Security(client)
	}
	conn, err := dialServerURI("coap://"+client.Addr.String(), sec)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	var observe *uint32
	if req.Method == codes.GET {
		if req.Observe {
			observe = uint32p(0)
		} else if req.Token != nil {
			observe = uint32p(1)
		}
	}
	msg, err := buildMessage(ctx, req.Method, req.Path.String(), req.ContentFormat, req.Body, req.Token, observe)
	if err != nil {
		return Response{}, err
	}
	defer pool.ReleaseMessage(msg)

	resp, err := conn.Do(msg)
	if err != nil {
		return Response{}, Errorf(KindTimeout, "management request to %s: %v", client.Name, err)
	}
	defer pool.ReleaseMessage(resp)

	cf, _ := resp.Options().GetUint32(message.ContentFormat)
	respBody, _ := resp.ReadBody()
	return Response{Code: resp.Code(), ContentFormat: message.MediaType(cf), Body: respBody}, nil
}

// CoAPClientNotifyTransport adapts a CoAPAdapter's NotifyTransport (scope
// keyed by the observing server's short id, as a string) onto
// ClientNotifyTransport (scope keyed by the same id as a uint16), so a
// device binary can pass one CoAPAdapter to both device.New's inbound
// handler and its outbound Notify pushes, per spec.md §4.6.
type CoAPClientNotifyTransport struct {
	Adapter *CoAPAdapter
}

func (t *CoAPClientNotifyTransport) SendNotify(ctx context.Context, serverID uint16, obs *Observation, resp Response) error {
	return t.Adapter.SendNotify(ctx, serverScope(serverID), obs, resp)
}

// CoAPRegistrationTransport implements RegistrationTransport over real
// CoAP, grounded on spec.md §4.2's `/rd`, `/rd/<loc>` wire operations.
type CoAPRegistrationTransport struct {
	Security SecurityConfig
}

func (t *CoAPRegistrationTransport) do(ctx context.Context, uri string, method codes.Code, query map[string]string, payload string) (*pool.Message, error) {
	conn, err := dialServerURI(uri, t.Security)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	path := registrationPath(uri, query)
	msg, err := buildMessage(ctx, method, path, ContentFormatText, []byte(payload), nil, nil)
	if err != nil {
		return nil, err
	}
	defer pool.ReleaseMessage(msg)
	return conn.Do(msg)
}

func registrationPath(uri string, query map[string]string) string {
	u, _ := url.Parse(uri)
	path := u.Path
	if path == "" {
		path = "/rd"
	}
	if len(query) == 0 {
		return path
	}
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	first := true
	for k, v := range query {
		if v == "" {
			continue
		}
		if !first {
			b.WriteByte('&')
		}
		first = false
		fmt.Fprintf(&b, "%s=%s", k, v)
	}
	return b.String()
}

// SendRegister implements RegistrationTransport.
func (t *CoAPRegistrationTransport) SendRegister(ctx context.Context, uri string, q RegQuery, payload string) (string, error) {
	resp, err := t.do(ctx, uri, codes.POST, regQueryValues(q), payload)
	if err != nil {
		return "", Errorf(KindTransport, "register: %v", err)
	}
	defer pool.ReleaseMessage(resp)
	if resp.Code() != codes.Created {
		return "", Errorf(KindTransport, "register: server returned %v", resp.Code())
	}
	locPath, _ := resp.Options().Path()
	return strings.TrimPrefix(locPath, "/rd/"), nil
}

// SendUpdate implements RegistrationTransport.
func (t *CoAPRegistrationTransport) SendUpdate(ctx context.Context, uri, location string, q RegQuery, payload string) error {
	resp, err := t.do(ctx, strings.TrimSuffix(uri, "/")+"/rd/"+location, codes.POST, regQueryValues(q), payload)
	if err != nil {
		return Errorf(KindTransport, "update: %v", err)
	}
	defer pool.ReleaseMessage(resp)
	if resp.Code() != codes.Changed {
		return Errorf(KindTransport, "update: server returned %v", resp.Code())
	}
	return nil
}

// SendDeregister implements RegistrationTransport.
func (t *CoAPRegistrationTransport) SendDeregister(ctx context.Context, uri, location string) error {
	resp, err := t.do(ctx, strings.TrimSuffix(uri, "/")+"/rd/"+location, codes.DELETE, nil, "")
	if err != nil {
		return Errorf(KindTransport, "deregister: %v", err)
	}
	defer pool.ReleaseMessage(resp)
	if resp.Code() != codes.Deleted {
		return Errorf(KindTransport, "deregister: server returned %v", resp.Code())
	}
	return nil
}

func regQueryValues(q RegQuery) map[string]string {
	return map[string]string{
		"ep":    q.Endpoint,
		"lt":    fmt.Sprintf("%d", q.Lifetime),
		"b":     q.Binding,
		"sms":   q.SMS,
		"lwm2m": q.LWM2M,
	}
}

// CoAPBootstrapRequestTransport implements BootstrapRequestTransport,
// sending `POST /bs?ep=<endpoint>` to the Bootstrap Server per spec.md §4.6.
type CoAPBootstrapRequestTransport struct {
	ServerURI string
	Security  SecurityConfig
}

func (t *CoAPBootstrapRequestTransport) SendBootstrapRequest(ctx context.Context, endpoint string) error {
	conn, err := dialServerURI(t.ServerURI, t.Security)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg, err := buildMessage(ctx, codes.POST, "/bs?ep="+endpoint, ContentFormatText, nil, nil, nil)
	if err != nil {
		return err
	}
	defer pool.ReleaseMessage(msg)
	resp, err := conn.Do(msg)
	if err != nil {
		return Errorf(KindTransport, "bootstrap request: %v", err)
	}
	defer pool.ReleaseMessage(resp)
	if resp.Code() != codes.Changed {
		return Errorf(KindTransport, "bootstrap request: server returned %v", resp.Code())
	}
	return nil
}

// CoAPBootstrapFinishTransport implements BootstrapFinishTransport,
// sending the `POST /bs` Bootstrap-Finish signal to the client per
// spec.md §4.6.
type CoAPBootstrapFinishTransport struct {
	Security SecurityConfig
}

func (t *CoAPBootstrapFinishTransport) SendFinish(ctx context.Context, addr net.Addr) error {
	conn, err := dialServerURI("coap://"+addr.String(), t.Security)
	if err != nil {
		return err
	}
	defer conn.Close()
	msg, err := buildMessage(ctx, codes.POST, "/bs", ContentFormatText, nil, nil, nil)
	if err != nil {
		return err
	}
	defer pool.ReleaseMessage(msg)
	resp, err := conn.Do(msg)
	if err != nil {
		return Errorf(KindTransport, "bootstrap finish: %v", err)
	}
	defer pool.ReleaseMessage(resp)
	if resp.Code() != codes.Changed {
		return Errorf(KindTransport, "bootstrap finish: client returned %v", resp.Code())
	}
	return nil
}
