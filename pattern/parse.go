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

package pattern

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrMultipleRanges is returned when a template specifies a range on
// both SADDR and SPORT; spec.md §3 allows variation on exactly one of
// the two (the variation_mask discriminates NAPT from NAT).
var ErrMultipleRanges = errors.New("pattern: only one of SADDR or SPORT may vary")

// ErrBadTemplate is returned for any other malformed template field.
var ErrBadTemplate = errors.New("pattern: malformed template field")

// Parse builds a Pattern from the "SADDR SPORT DADDR DPORT" fields of
// spec.md §6's `pattern` InputSpec variant. "-" means pass-through.
// SPORT/SADDR may additionally carry a range ("L-H" or "A.B.C.D/N")
// with trailing modifiers "#" (sequential) and "?"; either modifier
// disables stickiness.
func Parse(saddr, sport, daddr, dport string) (*Pattern, error) {
	p := &Pattern{SameFirst: true}

	sa, saVar, saSeq, saNoSticky, err := parseAddrField(saddr)
	if err != nil {
		return nil, fmt.Errorf("saddr: %w", err)
	}
	sp, spVar, spSeq, spNoSticky, err := parsePortField(sport)
	if err != nil {
		return nil, fmt.Errorf("sport: %w", err)
	}

	if saVar != nil && spVar != nil {
		return nil, ErrMultipleRanges
	}

	da, _, _, _, err := parseAddrField(daddr)
	if err != nil {
		return nil, fmt.Errorf("daddr: %w", err)
	}
	dp, _, _, _, err := parsePortField(dport)
	if err != nil {
		return nil, fmt.Errorf("dport: %w", err)
	}

	p.SAddr = sa
	p.DAddr = da
	p.SPort = sp
	p.DPort = dp

	switch {
	case saVar != nil:
		p.Ranged = true
		p.VariationOnPort = false
		p.VariationTop = *saVar
		p.Sequential = saSeq
		if saNoSticky || saSeq {
			p.SameFirst = false
		}
	case spVar != nil:
		p.Ranged = true
		p.VariationOnPort = true
		p.VariationTop = *spVar
		p.Sequential = spSeq
		if spNoSticky || spSeq {
			p.SameFirst = false
		}
	}

	return p, nil
}

// parseAddrField parses a SADDR/DADDR field: "-" (pass-through), a
// fixed dotted-quad, or a "A.B.C.D/N" range with trailing modifiers.
// The returned *uint32, if non-nil, is the range's VariationTop and
// implies p.SAddr carries the network's base address (with host bits
// zeroed).
func parseAddrField(field string) (sub SubstAddr, top *uint32, sequential, noSticky bool, err error) {
	if field == "-" || field == "" {
		return SubstAddr{}, nil, false, false, nil
	}

	body, seq, nosticky := stripModifiers(field)

	if idx := strings.IndexByte(body, '/'); idx >= 0 {
		base := body[:idx]
		bits, err := strconv.Atoi(body[idx+1:])
		if err != nil || bits < 0 || bits > 32 {
			return SubstAddr{}, nil, false, false, ErrBadTemplate
		}
		ip := net.ParseIP(base).To4()
		if ip == nil {
			return SubstAddr{}, nil, false, false, ErrBadTemplate
		}

		hostBits := 32 - bits
		size := uint32(1) << uint(hostBits)
		var baseV, rangeTop uint32
		switch {
		case hostBits == 0:
			baseV = addrToUint32([4]byte{ip[0], ip[1], ip[2], ip[3]})
			rangeTop = 0
		case hostBits == 1:
			// /31: 2 usable addresses, no network/broadcast exclusion.
			baseV = addrToUint32([4]byte{ip[0], ip[1], ip[2], ip[3]}) &^ (size - 1)
			rangeTop = size - 1
		default:
			// Exclude the network address (host bits all zero) and the
			// broadcast address (host bits all one), per spec.md §4.1.
			baseV = (addrToUint32([4]byte{ip[0], ip[1], ip[2], ip[3]}) &^ (size - 1)) + 1
			rangeTop = size - 3
		}

		t := rangeTop
		return SubstAddr{Addr: uint32ToAddr(baseV), Valid: true}, &t, seq, nosticky, nil
	}

	ip := net.ParseIP(body).To4()
	if ip == nil {
		return SubstAddr{}, nil, false, false, ErrBadTemplate
	}
	return SubstAddr{Addr: [4]byte{ip[0], ip[1], ip[2], ip[3]}, Valid: true}, nil, false, false, nil
}

// parsePortField parses a SPORT/DPORT field: "-" (pass-through), a
// fixed decimal port, or an "L-H" range with trailing modifiers.
func parsePortField(field string) (port uint16, top *uint32, sequential, noSticky bool, err error) {
	if field == "-" || field == "" {
		return 0, nil, false, false, nil
	}

	body, seq, nosticky := stripModifiers(field)

	if idx := strings.IndexByte(body, '-'); idx > 0 {
		lo, err := strconv.Atoi(body[:idx])
		if err != nil {
			return 0, nil, false, false, ErrBadTemplate
		}
		hi, err := strconv.Atoi(body[idx+1:])
		if err != nil {
			return 0, nil, false, false, ErrBadTemplate
		}
		if lo < 1 || hi > 65535 || lo > hi {
			return 0, nil, false, false, ErrBadTemplate
		}
		t := uint32(hi - lo)
		return uint16(lo), &t, seq, nosticky, nil
	}

	v, err := strconv.Atoi(body)
	if err != nil || v < 0 || v > 65535 {
		return 0, nil, false, false, ErrBadTemplate
	}
	return uint16(v), nil, false, false, nil
}

// stripModifiers removes trailing "#"/"?" modifier characters from
// field, reporting which were present.
func stripModifiers(field string) (body string, sequential, noSticky bool) {
	body = field
	for {
		switch {
		case strings.HasSuffix(body, "#"):
			sequential = true
			body = body[:len(body)-1]
		case strings.HasSuffix(body, "?"):
			noSticky = true
			body = body[:len(body)-1]
		default:
			return body, sequential, noSticky
		}
	}
}
