// Command lwm2m-server runs the server side of the Registration and
// Management/Observe interfaces (spec.md §4.2-§4.6): it accepts client
// registrations on `/rd`, and its ManagementDispatcher can be driven
// (e.g. by an operator tool, or a future REST front-end) to issue
// Read/Write/Execute/Observe requests against any registered client.
//
// The Bootstrap interface is served by the separate lwm2m-bootstrap
// binary, mirroring the teacher's own split between the cmd/proxy and
// cmd/coap binaries: one process per wire-facing role.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lwm2m-go/lwm2m"
	"github.com/matrix-org/go-coap/v2/dtls"
	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/mux"
	coapNet "github.com/matrix-org/go-coap/v2/net"
	"github.com/matrix-org/go-coap/v2/net/blockwise"
	"github.com/matrix-org/go-coap/v2/udp"
	"github.com/matrix-org/go-coap/v2/udp/client"
	udpMessage "github.com/matrix-org/go-coap/v2/udp/message"
	"github.com/matrix-org/go-coap/v2/udp/message/pool"
	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// logger adapts logrus onto the project's own minimal Logger interface,
// grounded on cmd/proxy/proxy.go's identical `logger` adapter.
type logger struct{}

func (l *logger) Printf(format string, v ...interface{}) {
	logrus.Infof(format+"\n", v...)
}

// muxResponseWriter adapts the udp/dtls client.ResponseWriter onto
// mux.ResponseWriter, copied from cmd/proxy/proxy.go's identical wrapper.
type muxResponseWriter struct {
	w *client.ResponseWriter
}

func (w *muxResponseWriter) SetResponse(code codes.Code, contentFormat message.MediaType, d io.ReadSeeker, opts ...message.Option) error {
	return w.w.SetResponse(code, contentFormat, d, opts...)
}

func (w *muxResponseWriter) Client() mux.Client {
	return w.w.ClientConn().Client()
}

// wireHandler converts the raw pool.Message/client.ResponseWriter pair a
// udp/dtls server callback receives into the mux.ResponseWriter/mux.Message
// pair handler.ServeCOAP expects, the same conversion cmd/proxy/proxy.go's
// listenAndServeDTLS performs via pool.ConvertTo.
func wireHandler(handler mux.Handler) func(w *client.ResponseWriter, r *pool.Message) {
	return func(w *client.ResponseWriter, r *pool.Message) {
		muxr, err := pool.ConvertTo(r)
		if err != nil {
			return
		}
		handler.ServeCOAP(&muxResponseWriter{w: w}, &mux.Message{
			Message:       muxr,
			IsConfirmable: r.Type() == udpMessage.Confirmable,
		})
	}
}

type config struct {
	listenCoAP  string
	listenDTLS  string
	pskKeyHex   string
	pskIdentity string
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.listenCoAP, "listen", ":5683", "UDP address for NoSec CoAP")
	flag.StringVar(&cfg.listenDTLS, "listen-dtls", "", "UDP address for DTLS-PSK CoAP; empty disables it")
	flag.StringVar(&cfg.pskKeyHex, "psk-key", "", "hex-encoded PSK key accepted from clients")
	flag.StringVar(&cfg.pskIdentity, "psk-hint", "lwm2m-server", "PSK identity hint advertised during the DTLS handshake")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags()
	log := &logger{}

	registry := lwm2m.NewClientRegistry()
	registry.Log = log

	dispatcher := &lwm2m.ManagementDispatcher{
		Transport: &lwm2m.CoAPManagementTransport{},
		Log:       log,
	}
	observers := lwm2m.NewServerObserveEngine(dispatcher, registry, nil)
	observers.Log = log

	regHandler := &lwm2m.RegistrationCoAPHandler{Registry: registry, Observers: observers}

	registry.Monitor.Subscribe(func(ev lwm2m.Event) {
		logrus.Infof("registration event: %s client=%s", ev.Kind, ev.ClientName)
		if ev.Kind == lwm2m.EventUnregister || ev.Kind == lwm2m.EventTimeout {
			observers.RemoveAllForScope(ev.ClientName)
		}
	})

	var listeners []io.Closer
	var g errgroup.Group

	if cfg.listenCoAP != "" {
		l, err := coapNet.NewListenUDP("udp", cfg.listenCoAP)
		if err != nil {
			logrus.WithError(err).Panicf("failed to listen on %s", cfg.listenCoAP)
		}
		listeners = append(listeners, l)
		g.Go(func() error {
			logrus.Infof("Serving LWM2M Registration+Management on udp %s (NoSec)", cfg.listenCoAP)
			return serveUDP(l, regHandler)
		})
	}

	if cfg.listenDTLS != "" && cfg.pskKeyHex != "" {
		key, err := hex.DecodeString(cfg.pskKeyHex)
		if err != nil {
			logrus.WithError(err).Panicf("invalid -psk-key")
		}
		dtlsCfg := lwm2m.ServerDTLSConfigs{
			PSKLookup: func(hint []byte) ([]byte, bool) { return key, true },
		}.PSKServerConfig()
		dtlsCfg.PSKIdentityHint = []byte(cfg.pskIdentity)
		l, err := coapNet.NewDTLSListener("udp", cfg.listenDTLS, dtlsCfg)
		if err != nil {
			logrus.WithError(err).Panicf("failed to listen on %s", cfg.listenDTLS)
		}
		listeners = append(listeners, l)
		g.Go(func() error {
			logrus.Infof("Serving LWM2M Registration+Management on udp %s (DTLS-PSK)", cfg.listenDTLS)
			return serveDTLS(l, regHandler)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g.Go(func() error {
		<-ctx.Done()
		logrus.Infof("shutting down")
		for _, l := range listeners {
			l.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Panicf("server exited")
	}
}

// serveUDP runs a NoSec CoAP server on an already-open listener, the
// unsecured-transport counterpart of serveDTLS below: go-coap/v2 keeps
// its udp and dtls packages' server-construction shape symmetric.
func serveUDP(l net.Listener, handler mux.Handler) error {
	s := udp.NewServer(udp.WithHandlerFunc(wireHandler(handler)))
	return s.Serve(l)
}

// serveDTLS is adapted from cmd/proxy/proxy.go's listenAndServeDTLS,
// trimmed of the proxy's ACK-piggyback timer: that exists there to cope
// with slow downstream HTTP fetches, which this server's in-memory
// Registry reads never incur.
func serveDTLS(l net.Listener, handler mux.Handler) error {
	s := dtls.NewServer(
		dtls.WithHandlerFunc(wireHandler(handler)),
		dtls.WithBlockwise(true, blockwise.SZX1024, 2*time.Minute),
	)
	return s.Serve(l)
}
