// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/packet"
)

// Dispatch answers one generic netlink request against h, encoding the
// result the way NetlinkClient expects to decode it. It has the same
// shape as genltest.Func, so it doubles as the fake-server half of this
// package's own tests; wiring it to a real socket additionally requires
// a process that has registered Family with the kernel, which is outside
// this module's scope (see NetlinkClient's doc comment).
func Dispatch(h Handlers, req genetlink.Message) ([]genetlink.Message, error) {
	attrs, err := netlink.UnmarshalAttributes(req.Data)
	if err != nil {
		return nil, err
	}

	switch req.Header.Command {
	case cmdTable:
		return dispatchTable(h, attrs)
	case cmdCounters:
		return dispatchCounters(h), nil
	case cmdSetCapacity:
		n, ok := findUint32(attrs, attrCapacity)
		if !ok {
			return nil, fmt.Errorf("control: set_capacity missing capacity attribute")
		}
		h.SetCapacity(int(n))
		return nil, nil
	case cmdClear:
		h.Clear()
		return nil, nil
	case cmdPattern:
		i, ok := findUint32(attrs, attrInputIndex)
		if !ok {
			return nil, fmt.Errorf("control: pattern missing input index attribute")
		}
		text, err := h.Pattern(int(i))
		if err != nil {
			return nil, err
		}
		return []genetlink.Message{{Data: mustMarshal(netlink.Attribute{
			Type: uint16(attrPatternText), Data: nlenc.Bytes(text),
		})}}, nil
	case cmdSetPattern:
		i, ok := findUint32(attrs, attrInputIndex)
		if !ok {
			return nil, fmt.Errorf("control: set_pattern missing input index attribute")
		}
		text, ok := findString(attrs, attrPatternText)
		if !ok {
			return nil, fmt.Errorf("control: set_pattern missing pattern text attribute")
		}
		return nil, h.SetPattern(int(i), text)
	case cmdLookup:
		key, err := parseLookupKey(attrs)
		if err != nil {
			return nil, err
		}
		out, ok := h.Lookup(key)
		if !ok {
			return nil, nil
		}
		return []genetlink.Message{{Data: mustMarshal(
			netlink.Attribute{Type: uint16(attrFlowRewrittenSAddr), Data: out.SAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowRewrittenSPort), Data: nlenc.Uint16Bytes(out.SPort)},
			netlink.Attribute{Type: uint16(attrFlowRewrittenDAddr), Data: out.DAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowRewrittenDPort), Data: nlenc.Uint16Bytes(out.DPort)},
		)}}, nil
	default:
		return nil, fmt.Errorf("control: unrecognized command %d", req.Header.Command)
	}
}

func dispatchTable(h Handlers, attrs []netlink.Attribute) ([]genetlink.Message, error) {
	var rows []FlowSummary
	if proto, ok := findByte(attrs, attrProto); ok {
		switch packet.Proto(proto) {
		case packet.ProtoTCP:
			rows = h.TCPTable()
		case packet.ProtoUDP:
			rows = h.UDPTable()
		default:
			return nil, fmt.Errorf("control: table: unsupported proto filter %d", proto)
		}
	} else {
		rows = h.Table()
	}

	msgs := make([]genetlink.Message, 0, len(rows))
	for _, fs := range rows {
		msgs = append(msgs, genetlink.Message{Data: mustMarshal(
			netlink.Attribute{Type: uint16(attrFlowSAddr), Data: fs.Key.SAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowSPort), Data: nlenc.Uint16Bytes(fs.Key.SPort)},
			netlink.Attribute{Type: uint16(attrFlowDAddr), Data: fs.Key.DAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowDPort), Data: nlenc.Uint16Bytes(fs.Key.DPort)},
			netlink.Attribute{Type: uint16(attrFlowRewrittenSAddr), Data: fs.Rewritten.SAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowRewrittenSPort), Data: nlenc.Uint16Bytes(fs.Rewritten.SPort)},
			netlink.Attribute{Type: uint16(attrFlowRewrittenDAddr), Data: fs.Rewritten.DAddr.As4()[:]},
			netlink.Attribute{Type: uint16(attrFlowRewrittenDPort), Data: nlenc.Uint16Bytes(fs.Rewritten.DPort)},
			netlink.Attribute{Type: uint16(attrProto), Data: []byte{byte(fs.Proto)}},
			netlink.Attribute{Type: uint16(attrFlowExpiry), Data: nlenc.Uint64Bytes(uint64(fs.Expiry.UnixNano()))},
			netlink.Attribute{Type: uint16(attrFlowGuaranteed), Data: boolByte(fs.Guaranteed)},
			netlink.Attribute{Type: uint16(attrFlowTraceID), Data: fs.TraceID.Bytes()},
		)})
	}
	return msgs, nil
}

func dispatchCounters(h Handlers) []genetlink.Message {
	return []genetlink.Message{{Data: mustMarshal(
		netlink.Attribute{Type: uint16(attrNMappings), Data: nlenc.Uint32Bytes(h.NMappings())},
		netlink.Attribute{Type: uint16(attrMappingFailures), Data: nlenc.Uint32Bytes(h.MappingFailures())},
		netlink.Attribute{Type: uint16(attrSize), Data: nlenc.Uint32Bytes(uint32(h.Size()))},
		netlink.Attribute{Type: uint16(attrCapacity), Data: nlenc.Uint32Bytes(uint32(h.Capacity()))},
	)}}
}

func parseLookupKey(attrs []netlink.Attribute) (flowid.ID, error) {
	saddr, ok1 := findAddr(attrs, attrFlowSAddr)
	daddr, ok2 := findAddr(attrs, attrFlowDAddr)
	sport, ok3 := findUint16(attrs, attrFlowSPort)
	dport, ok4 := findUint16(attrs, attrFlowDPort)
	if !(ok1 && ok2 && ok3 && ok4) {
		return flowid.ID{}, fmt.Errorf("control: lookup missing a flow key attribute")
	}
	return flowid.New(netip.AddrFrom4(saddr), sport, netip.AddrFrom4(daddr), dport), nil
}

func mustMarshal(attrs ...netlink.Attribute) []byte {
	b, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		panic(fmt.Sprintf("control: marshal attributes: %v", err))
	}
	return b
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func findUint32(attrs []netlink.Attribute, typ uint8) (uint32, bool) {
	for _, a := range attrs {
		if uint8(a.Type) == typ {
			return nlenc.Uint32(a.Data), true
		}
	}
	return 0, false
}

func findUint16(attrs []netlink.Attribute, typ uint8) (uint16, bool) {
	for _, a := range attrs {
		if uint8(a.Type) == typ {
			return nlenc.Uint16(a.Data), true
		}
	}
	return 0, false
}

func findByte(attrs []netlink.Attribute, typ uint8) (byte, bool) {
	for _, a := range attrs {
		if uint8(a.Type) == typ && len(a.Data) == 1 {
			return a.Data[0], true
		}
	}
	return 0, false
}

func findString(attrs []netlink.Attribute, typ uint8) (string, bool) {
	for _, a := range attrs {
		if uint8(a.Type) == typ {
			return nlenc.String(a.Data), true
		}
	}
	return "", false
}

func findAddr(attrs []netlink.Attribute, typ uint8) ([4]byte, bool) {
	for _, a := range attrs {
		if uint8(a.Type) == typ && len(a.Data) == 4 {
			return [4]byte{a.Data[0], a.Data[1], a.Data[2], a.Data[3]}, true
		}
	}
	return [4]byte{}, false
}
