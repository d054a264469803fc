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

package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/natrw/core/rewriter"
)

var ignorePattern = cmpopts.IgnoreFields(rewriter.InputSpec{}, "Pattern", "Raw")

func TestParseBasicInputSpecs(t *testing.T) {
	cfg, err := Parse("drop, pass 1, keep 2 3")
	if err != nil {
		t.Fatal(err)
	}

	want := []rewriter.InputSpec{
		rewriter.Drop(),
		rewriter.Pass(1),
		rewriter.Keep(2, 3),
	}
	if diff := cmp.Diff(want, cfg.Inputs, cmp.AllowUnexported(rewriter.InputSpec{}), ignorePattern); diff != "" {
		t.Fatalf("Inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePatternInputSpec(t *testing.T) {
	cfg, err := Parse("pattern 1.0.0.1 9000 - - 0 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Inputs) != 1 {
		t.Fatalf("expected one input, got %d", len(cfg.Inputs))
	}
	in := cfg.Inputs[0]
	if in.Kind != rewriter.KindPattern || in.Pattern == nil {
		t.Fatalf("expected an inline pattern spec, got %+v", in)
	}
	if in.ForwardOutput != 0 || in.ReverseOutput != 1 {
		t.Fatalf("unexpected outputs: %+v", in)
	}
}

func TestParseNamedPatternInputSpec(t *testing.T) {
	cfg, err := Parse("pattern ftp-servers 0 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Inputs) != 1 || cfg.Inputs[0].Kind != rewriter.KindPatternName {
		t.Fatalf("expected a named pattern spec, got %+v", cfg.Inputs)
	}
	if cfg.Inputs[0].PatternName != "ftp-servers" {
		t.Fatalf("unexpected pattern name: %q", cfg.Inputs[0].PatternName)
	}
}

func TestParseKeywordArguments(t *testing.T) {
	cfg, err := Parse("drop, TCP_TIMEOUT=1h, GUARANTEE=30s, MAPPING_CAPACITY=4096, DST_ANNO=true")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Timeouts.TCPData != time.Hour {
		t.Fatalf("TCPData = %s, want 1h", cfg.Timeouts.TCPData)
	}
	if cfg.Timeouts.Guarantee != 30*time.Second {
		t.Fatalf("Guarantee = %s, want 30s", cfg.Timeouts.Guarantee)
	}
	if !cfg.Guaranteed {
		t.Fatal("expected Guaranteed to be set when GUARANTEE > 0")
	}
	if cfg.MappingCapacity != 4096 {
		t.Fatalf("MappingCapacity = %d, want 4096", cfg.MappingCapacity)
	}
	if !cfg.DstAnno {
		t.Fatal("expected DstAnno true")
	}
	if len(cfg.Inputs) != 1 {
		t.Fatalf("expected keyword args stripped from input specs, got %d inputs", len(cfg.Inputs))
	}
}

func TestParseDefaultsReplyAnnoDisabled(t *testing.T) {
	cfg, err := Parse("drop")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReplyAnno != -1 {
		t.Fatalf("ReplyAnno = %d, want -1 (disabled) when REPLY_ANNO is not given", cfg.ReplyAnno)
	}
}

func TestParseReplyAnnoOffsetZero(t *testing.T) {
	cfg, err := Parse("drop, REPLY_ANNO=0")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReplyAnno != 0 {
		t.Fatalf("ReplyAnno = %d, want 0", cfg.ReplyAnno)
	}
}

func TestParseRejectsUnknownInputSpec(t *testing.T) {
	if _, err := Parse("bogus 1 2"); err == nil {
		t.Fatal("expected an error for an unrecognized input spec")
	}
}

func TestParseRejectsWrongArityPattern(t *testing.T) {
	if _, err := Parse("pattern 1.0.0.1 9000 0 1"); err == nil {
		t.Fatal("expected an error for a pattern spec with the wrong argument count")
	}
}
