// Command lwm2m-bootstrap runs the Bootstrap Server side of spec.md §4.6:
// it accepts `POST /bs?ep=<name>` Bootstrap-Requests from endpoints
// listed in a YAML seed config, pushes each endpoint's Security/Server
// object tree, and signals completion with `POST /bs`.
package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lwm2m-go/lwm2m"
	"github.com/lwm2m-go/lwm2m/device"
	"github.com/matrix-org/go-coap/v2/message"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/matrix-org/go-coap/v2/mux"
	coapNet "github.com/matrix-org/go-coap/v2/net"
	"github.com/matrix-org/go-coap/v2/udp"
	"github.com/matrix-org/go-coap/v2/udp/client"
	udpMessage "github.com/matrix-org/go-coap/v2/udp/message"
	"github.com/matrix-org/go-coap/v2/udp/message/pool"
	"github.com/sirupsen/logrus"
)

type logger struct{}

func (l *logger) Printf(format string, v ...interface{}) {
	logrus.Infof(format+"\n", v...)
}

// muxResponseWriter and wireHandler are the same udp/dtls-to-mux adapter
// cmd/lwm2m-server uses, copied here rather than shared since each
// binary's main package is self-contained, mirroring the teacher's own
// cmd/proxy and cmd/coap having no shared internal package between them.
type muxResponseWriter struct {
	w *client.ResponseWriter
}

func (w *muxResponseWriter) SetResponse(code codes.Code, contentFormat message.MediaType, d io.ReadSeeker, opts ...message.Option) error {
	return w.w.SetResponse(code, contentFormat, d, opts...)
}

func (w *muxResponseWriter) Client() mux.Client {
	return w.w.ClientConn().Client()
}

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

func main() {
	var listen, seedPath string
	flag.StringVar(&listen, "listen", ":5683", "UDP address for the Bootstrap interface (NoSec)")
	flag.StringVar(&seedPath, "seed", "", "YAML seed config (one device.SeedConfig); only its endpoint_name is permitted to bootstrap")
	flag.Parse()

	log := &logger{}
	seeds := loadSeeds(seedPath, log)

	finisher := &lwm2m.CoAPBootstrapFinishTransport{}
	bootstrap := lwm2m.NewBootstrapServer(&lwm2m.CoAPManagementTransport{}, finisher)
	bootstrap.Log = log
	for ep := range seeds {
		bootstrap.Permit(ep)
	}

	handler := &lwm2m.BootstrapCoAPHandler{
		Server: bootstrap,
		Steps: func(endpoint string) []lwm2m.BootstrapStep {
			seed, ok := seeds[endpoint]
			if !ok {
				return nil
			}
			return stepsFromSeed(seed)
		},
	}

	l, err := coapNet.NewListenUDP("udp", listen)
	if err != nil {
		logrus.WithError(err).Panicf("failed to listen on %s", listen)
	}
	defer l.Close()

	go func() {
		s := udp.NewServer(udp.WithHandlerFunc(wireHandler(handler)))
		logrus.Infof("Serving LWM2M Bootstrap Interface on udp %s", listen)
		if err := s.Serve(l); err != nil {
			logrus.WithError(err).Panicf("failed to serve Bootstrap interface")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logrus.Infof("shutting down")
}

func loadSeeds(path string, log lwm2m.Logger) map[string]device.SeedConfig {
	seeds := make(map[string]device.SeedConfig)
	if path == "" {
		return seeds
	}
	cfg, err := device.LoadSeedConfig(path)
	if err != nil {
		logrus.WithError(err).Panicf("failed to load seed config %s", path)
	}
	seeds[cfg.EndpointName] = *cfg
	return seeds
}

// stepsFromSeed builds the Bootstrap-Write sequence for one endpoint's
// Security/Server object instances, per spec.md §4.6's provisioning of
// Object 0 (Security) and Object 1 (Server) ahead of Bootstrap-Finish.
func stepsFromSeed(seed device.SeedConfig) []lwm2m.BootstrapStep {
	var steps []lwm2m.BootstrapStep
	for i, srv := range seed.Servers {
		securityPath, _ := lwm2m.ParsePath("/0/" + itoa(i))
		serverPath, _ := lwm2m.ParsePath("/1/" + itoa(i))

		securityBody := lwm2m.EncodeObjectInstanceContainer(uint16(i), [][]byte{
			lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, 0, []byte(srv.URI)),
			lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, 1, lwm2m.EncodeBool(srv.Security != "none")),
			lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, 10, lwm2m.EncodeInt(int64(srv.ServerID))),
		})
		steps = append(steps, lwm2m.BootstrapStep{
			Method: codes.PUT, Path: securityPath,
			ContentFormat: lwm2m.ContentFormatTLV, Body: securityBody,
		})

		serverBody := lwm2m.EncodeObjectInstanceContainer(uint16(i), [][]byte{
			lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, 0, lwm2m.EncodeInt(int64(srv.ServerID))),
			lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, 1, lwm2m.EncodeInt(int64(srv.Lifetime))),
		})
		steps = append(steps, lwm2m.BootstrapStep{
			Method: codes.PUT, Path: serverPath,
			ContentFormat: lwm2m.ContentFormatTLV, Body: serverBody,
		})
	}
	return steps
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}
