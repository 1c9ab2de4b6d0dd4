// Command lwm2mctl is a one-shot LWM2M Management Interface client, the
// LWM2M analogue of cmd/coap's one-shot HTTP-over-CoAP client: point it
// at a device address and an Object/Instance/Resource path and it
// performs a single Read, Write, Create, Delete, Execute, or Observe and
// prints the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/lwm2m-go/lwm2m"
	jsoniter "github.com/json-iterator/go"
	"github.com/matrix-org/go-coap/v2/message/codes"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type stringFlags []string

func (f *stringFlags) String() string { return fmt.Sprintf("%v", *f) }
func (f *stringFlags) Set(value string) error {
	*f = append(*f, strings.TrimSpace(value))
	return nil
}

var (
	flagMethod  string
	flagData    string
	flagSets    stringFlags
	flagVerbose bool
	flagTimeout time.Duration
)

func init() {
	flag.StringVar(&flagMethod, "method", "read", "read|write|write-partial|create|delete|execute|observe|cancel-observe")
	flag.StringVar(&flagMethod, "X", "read", "shorthand of --method")
	flag.StringVar(&flagData, "data", "{}", "JSON body for write/write-partial/create, before TLV encoding")
	flag.StringVar(&flagData, "d", "{}", "shorthand of --data")
	flag.Var(&flagSets, "set", "gjson-path=value patch applied to --data before sending, e.g. -set resources.1=42 (repeatable)")
	flag.BoolVar(&flagVerbose, "verbose", false, "print the response body's decoded TLV leaves as JSON (raw hex if it is not TLV)")
	flag.BoolVar(&flagVerbose, "v", false, "shorthand of --verbose")
	flag.DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: lwm2mctl [flags] <device-addr> <path>\n")
		flag.PrintDefaults()
		fmt.Println("Example: lwm2mctl -X write -d '{\"resources\":{\"1\":60}}' 127.0.0.1:5683 /1/0")
		fmt.Println("Example: lwm2mctl -X execute 127.0.0.1:5683 /3/0/4")
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	deviceAddr, rawPath := flag.Arg(0), flag.Arg(1)

	path, err := lwm2m.ParsePath(rawPath)
	if err != nil {
		fatalf("bad path %q: %v", rawPath, err)
	}

	addr, err := net.ResolveUDPAddr("udp", deviceAddr)
	if err != nil {
		fatalf("bad device address %q: %v", deviceAddr, err)
	}
	client := &lwm2m.RegisteredClient{Name: "lwm2mctl", Addr: addr}
	dispatcher := &lwm2m.ManagementDispatcher{
		Transport: &lwm2m.CoAPManagementTransport{},
		Timeout:   flagTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()
	_ = ctx // dispatcher applies its own Timeout per request; kept for future cancellation plumbing

	var resp lwm2m.Response
	switch strings.ToLower(flagMethod) {
	case "read":
		resp = dispatcher.Read(client, path)
	case "write":
		resp = dispatcher.Write(client, path, lwm2m.ContentFormatTLV, bodyFromJSON(path))
	case "write-partial":
		resp = dispatcher.WritePartial(client, path, lwm2m.ContentFormatTLV, bodyFromJSON(path))
	case "create":
		resp = dispatcher.Create(client, path, lwm2m.ContentFormatTLV, bodyFromJSON(path))
	case "delete":
		resp = dispatcher.Delete(client, path)
	case "execute":
		resp = dispatcher.Execute(client, path, flagData)
	case "observe":
		resp = dispatcher.Observe(client, path)
	case "cancel-observe":
		resp = dispatcher.CancelObserve(client, path)
	default:
		fatalf("unknown -method %q", flagMethod)
	}

	printResponse(resp)
	if !isSuccess(resp.Code) {
		os.Exit(1)
	}
}

// isSuccess reports whether a CoAP response code is in the 2.xx class.
func isSuccess(code codes.Code) bool {
	return byte(code)>>5 == 2
}

// bodyFromJSON applies every -set patch to -data, then TLV-encodes the
// result against the target Object's resource layout, mirroring
// cmd/proxy/proxy.go's gjson/sjson JSON-patching of a proxied body before
// it goes back out on the wire.
func bodyFromJSON(path lwm2m.Path) []byte {
	doc := flagData
	for _, set := range flagSets {
		kv := strings.SplitN(set, "=", 2)
		if len(kv) != 2 {
			fatalf("-set %q must be key=value", set)
		}
		patched, err := sjson.Set(doc, kv[0], kv[1])
		if err != nil {
			fatalf("-set %q: %v", set, err)
		}
		doc = patched
	}

	resources := gjson.Get(doc, "resources")
	if !resources.Exists() {
		// a bare scalar body writes directly to the targeted resource.
		return encodeScalar(path, gjson.Parse(doc))
	}
	var tlvs [][]byte
	resources.ForEach(func(key, value gjson.Result) bool {
		id := uint16(key.Uint())
		tlvs = append(tlvs, lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, id, scalarBytes(value)))
		return true
	})
	if path.HasInstance() {
		return lwm2m.EncodeObjectInstanceContainer(uint16(path.InstanceID), tlvs)
	}
	return joinBytes(tlvs)
}

func encodeScalar(path lwm2m.Path, v gjson.Result) []byte {
	if !path.HasResource() {
		fatalf("a bare scalar body requires a full /object/instance/resource path")
	}
	return lwm2m.EncodeTLV(lwm2m.TLVResourceWithValue, uint16(path.ResourceID), scalarBytes(v))
}

func scalarBytes(v gjson.Result) []byte {
	switch v.Type {
	case gjson.True, gjson.False:
		return lwm2m.EncodeBool(v.Bool())
	case gjson.Number:
		if v.Num == float64(int64(v.Num)) {
			return lwm2m.EncodeInt(int64(v.Num))
		}
		return lwm2m.EncodeFloat(v.Num)
	default:
		return []byte(v.String())
	}
}

func joinBytes(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func printResponse(resp lwm2m.Response) {
	fmt.Printf("%v\n", resp.Code)
	if len(resp.Body) == 0 {
		return
	}
	if !flagVerbose {
		fmt.Printf("%d bytes\n", len(resp.Body))
		return
	}
	tlvs, err := lwm2m.DecodeTLV(resp.Body)
	if err != nil {
		fmt.Printf("(not TLV-decodable: %v) %x\n", err, resp.Body)
		return
	}
	out := make(map[string]string, len(tlvs))
	for _, t := range tlvs {
		if b, err := t.AsBytes(); err == nil {
			out[fmt.Sprintf("%d", t.ID)] = string(b)
		}
	}
	encoded, _ := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))
}

func fatalf(format string, v ...interface{}) {
	fmt.Fprintf(os.Stderr, "lwm2mctl: "+format+"\n", v...)
	os.Exit(1)
}
