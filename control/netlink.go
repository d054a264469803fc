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
	"os"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/rs/xid"

	"github.com/natrw/core/flowid"
	"github.com/natrw/core/packet"
)

// Family is the generic netlink family name a running Rewriter's control
// surface registers itself under. Querying it requires that family to
// already exist on the system, the same precondition ovsnl.Client has on
// "ovs_datapath": something else -- here, a control-plane daemon sitting
// next to the Rewriter, there, the OVS kernel module -- must have
// registered it first. This module does not, and cannot from pure
// userspace, perform that registration itself; NetlinkClient only
// speaks the query side of the protocol.
const Family = "natrw_rewriter"

// Commands sent to the Family.
const (
	cmdTable uint8 = iota + 1
	cmdCounters
	cmdCapacity
	cmdSetCapacity
	cmdClear
	cmdPattern
	cmdSetPattern
	cmdLookup
)

// Attributes carried by Family messages.
const (
	attrProto uint8 = iota + 1 // filters a table dump; omitted means all protocols
	attrFlowSAddr
	attrFlowSPort
	attrFlowDAddr
	attrFlowDPort
	attrFlowRewrittenSAddr
	attrFlowRewrittenSPort
	attrFlowRewrittenDAddr
	attrFlowRewrittenDPort
	attrFlowExpiry     // unix nanoseconds, int64
	attrFlowGuaranteed // 0 or 1
	attrCapacity       // uint32
	attrSize           // uint32
	attrNMappings      // uint32
	attrMappingFailures
	attrInputIndex // uint32
	attrPatternText
	attrFlowTraceID // 12 raw xid.ID bytes
)

// NetlinkClient speaks the Family protocol to a remote control surface
// over generic netlink, the way ovsnl.Client speaks "ovs_datapath" to the
// kernel: it assumes the family is already present and only implements
// the request/dump half of the conversation.
type NetlinkClient struct {
	f genetlink.Family
	c *genetlink.Conn
}

// DialNetlink opens a generic netlink connection and resolves Family on
// it. If Family is not registered on this system, the returned error
// satisfies os.IsNotExist, mirroring ovsnl.New's contract.
func DialNetlink() (*NetlinkClient, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	nc, err := newNetlinkClient(c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return nc, nil
}

// newNetlinkClient is the internal constructor, used directly in tests
// against a genltest.Dial connection.
func newNetlinkClient(c *genetlink.Conn) (*NetlinkClient, error) {
	families, err := c.ListFamilies()
	if err != nil {
		return nil, err
	}
	for _, f := range families {
		if f.Name == Family {
			return &NetlinkClient{f: f, c: c}, nil
		}
	}
	return nil, os.ErrNotExist
}

// Close closes the underlying generic netlink connection.
func (c *NetlinkClient) Close() error { return c.c.Close() }

func (c *NetlinkClient) execute(cmd uint8, attrs []netlink.Attribute, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return nil, err
	}
	req := genetlink.Message{
		Header: genetlink.Header{Command: cmd, Version: uint8(c.f.Version)},
		Data:   data,
	}
	return c.c.Execute(req, c.f.ID, netlink.HeaderFlagsRequest|flags)
}

// Table requests every flow the remote Rewriter has installed, optionally
// filtered by proto (pass packet.Proto(0) for every protocol).
func (c *NetlinkClient) Table(proto packet.Proto) ([]FlowSummary, error) {
	var attrs []netlink.Attribute
	if proto != 0 {
		attrs = append(attrs, netlink.Attribute{Type: uint16(attrProto), Data: []byte{byte(proto)}})
	}

	msgs, err := c.execute(cmdTable, attrs, netlink.HeaderFlagsDump)
	if err != nil {
		return nil, err
	}

	out := make([]FlowSummary, 0, len(msgs))
	for _, m := range msgs {
		fs, err := parseFlowSummary(m.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

func parseFlowSummary(b []byte) (FlowSummary, error) {
	attrs, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return FlowSummary{}, err
	}

	var fs FlowSummary
	for _, a := range attrs {
		switch uint8(a.Type) {
		case attrFlowSAddr:
			fs.Key.SAddr = addrFromBytes(a.Data)
		case attrFlowSPort:
			fs.Key.SPort = nlenc.Uint16(a.Data)
		case attrFlowDAddr:
			fs.Key.DAddr = addrFromBytes(a.Data)
		case attrFlowDPort:
			fs.Key.DPort = nlenc.Uint16(a.Data)
		case attrFlowRewrittenSAddr:
			fs.Rewritten.SAddr = addrFromBytes(a.Data)
		case attrFlowRewrittenSPort:
			fs.Rewritten.SPort = nlenc.Uint16(a.Data)
		case attrFlowRewrittenDAddr:
			fs.Rewritten.DAddr = addrFromBytes(a.Data)
		case attrFlowRewrittenDPort:
			fs.Rewritten.DPort = nlenc.Uint16(a.Data)
		case attrProto:
			if len(a.Data) != 1 {
				return FlowSummary{}, fmt.Errorf("control: malformed proto attribute")
			}
			fs.Proto = packet.Proto(a.Data[0])
		case attrFlowExpiry:
			fs.Expiry = time.Unix(0, int64(nlenc.Uint64(a.Data)))
		case attrFlowGuaranteed:
			if len(a.Data) != 1 {
				return FlowSummary{}, fmt.Errorf("control: malformed guaranteed attribute")
			}
			fs.Guaranteed = a.Data[0] != 0
		case attrFlowTraceID:
			id, err := xid.FromBytes(a.Data)
			if err != nil {
				return FlowSummary{}, fmt.Errorf("control: malformed trace id attribute: %w", err)
			}
			fs.TraceID = id
		}
	}
	return fs, nil
}

func addrFromBytes(b []byte) netip.Addr {
	if len(b) != 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

// Counters requests nmappings, mapping_failures, size and capacity in a
// single round trip.
func (c *NetlinkClient) Counters() (nMappings, mappingFailures uint32, size, capacity int, err error) {
	msgs, err := c.execute(cmdCounters, nil, 0)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if len(msgs) != 1 {
		return 0, 0, 0, 0, fmt.Errorf("control: expected exactly one counters reply, got %d", len(msgs))
	}
	attrs, err := netlink.UnmarshalAttributes(msgs[0].Data)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	for _, a := range attrs {
		switch uint8(a.Type) {
		case attrNMappings:
			nMappings = nlenc.Uint32(a.Data)
		case attrMappingFailures:
			mappingFailures = nlenc.Uint32(a.Data)
		case attrSize:
			size = int(nlenc.Uint32(a.Data))
		case attrCapacity:
			capacity = int(nlenc.Uint32(a.Data))
		}
	}
	return nMappings, mappingFailures, size, capacity, nil
}

// SetCapacity requests the remote Rewriter's shared heap be resized to n.
func (c *NetlinkClient) SetCapacity(n int) error {
	attrs := []netlink.Attribute{{Type: uint16(attrCapacity), Data: nlenc.Uint32Bytes(uint32(n))}}
	_, err := c.execute(cmdSetCapacity, attrs, 0)
	return err
}

// Clear requests every flow be evicted from the remote Rewriter.
func (c *NetlinkClient) Clear() error {
	_, err := c.execute(cmdClear, nil, 0)
	return err
}

// Pattern requests the configuration string installed on input i.
func (c *NetlinkClient) Pattern(i int) (string, error) {
	attrs := []netlink.Attribute{{Type: uint16(attrInputIndex), Data: nlenc.Uint32Bytes(uint32(i))}}
	msgs, err := c.execute(cmdPattern, attrs, 0)
	if err != nil {
		return "", err
	}
	if len(msgs) != 1 {
		return "", fmt.Errorf("control: expected exactly one pattern reply, got %d", len(msgs))
	}
	attrsOut, err := netlink.UnmarshalAttributes(msgs[0].Data)
	if err != nil {
		return "", err
	}
	for _, a := range attrsOut {
		if uint8(a.Type) == attrPatternText {
			return nlenc.String(a.Data), nil
		}
	}
	return "", nil
}

// SetPattern requests input i be reconfigured with spec.
func (c *NetlinkClient) SetPattern(i int, spec string) error {
	attrs := []netlink.Attribute{
		{Type: uint16(attrInputIndex), Data: nlenc.Uint32Bytes(uint32(i))},
		{Type: uint16(attrPatternText), Data: nlenc.Bytes(spec)},
	}
	_, err := c.execute(cmdSetPattern, attrs, 0)
	return err
}

// Lookup requests the rewritten FlowID an installed flow carrying key
// would apply.
func (c *NetlinkClient) Lookup(key flowid.ID) (flowid.ID, bool, error) {
	attrs := []netlink.Attribute{
		{Type: uint16(attrFlowSAddr), Data: key.SAddr.As4()[:]},
		{Type: uint16(attrFlowSPort), Data: nlenc.Uint16Bytes(key.SPort)},
		{Type: uint16(attrFlowDAddr), Data: key.DAddr.As4()[:]},
		{Type: uint16(attrFlowDPort), Data: nlenc.Uint16Bytes(key.DPort)},
	}
	msgs, err := c.execute(cmdLookup, attrs, 0)
	if err != nil {
		return flowid.ID{}, false, err
	}
	if len(msgs) == 0 {
		return flowid.ID{}, false, nil
	}
	fs, err := parseFlowSummary(msgs[0].Data)
	if err != nil {
		return flowid.ID{}, false, err
	}
	return fs.Rewritten, true, nil
}
