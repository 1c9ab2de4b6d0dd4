// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lwm2m implements the core of the LWM2M (Lightweight M2M) device
// management protocol: the TLV codec, the registration lifecycle for both
// Server and Client, the Bootstrap interface, the Management dispatcher,
// Observe/Notify, and the Access Control evaluation engine.
//
// CoAP framing, UDP I/O and DTLS handshaking are provided by
// github.com/matrix-org/go-coap/v2 and github.com/pion/dtls/v2; this
// package only deals with LWM2M semantics on top of them.
package lwm2m
