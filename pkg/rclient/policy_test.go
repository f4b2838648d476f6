package rclient

import (
	"testing"

	"github.com/riverreach/audiocore/pkg/stream"
)

func TestPermitsByClientType(t *testing.T) {
	cases := []struct {
		t    ClientType
		dir  stream.Direction
		want bool
	}{
		{ClientPlaybackOnly, stream.Output, true},
		{ClientPlaybackOnly, stream.Input, false},
		{ClientCaptureOnly, stream.Input, true},
		{ClientCaptureOnly, stream.Output, false},
		{ClientUnifiedDuplex, stream.Output, true},
		{ClientUnifiedDuplex, stream.Input, true},
		{ClientFullControl, stream.Loopback, true},
		{ClientPlugin, stream.PostMixPreDsp, true},
	}
	for _, c := range cases {
		p := NewPolicy(c.t)
		if got := p.Permits(c.dir); got != c.want {
			t.Errorf("%v.Permits(%v) = %v, want %v", c.t, c.dir, got, c.want)
		}
	}
}

func TestPluginClientTypeIsFixedAndOverridden(t *testing.T) {
	p := NewPolicy(ClientPlugin)
	if !p.Fixed {
		t.Fatal("plugin policy should be Fixed")
	}
	if got := p.OverrideClientType(ClientFullControl); got != ClientPlugin {
		t.Errorf("OverrideClientType = %v, want %v (fixed)", got, ClientPlugin)
	}
}

func TestNonPluginClientTypeIsNotOverridden(t *testing.T) {
	p := NewPolicy(ClientFullControl)
	if got := p.OverrideClientType(ClientPlaybackOnly); got != ClientPlaybackOnly {
		t.Errorf("OverrideClientType = %v, want %v (unfixed passthrough)", got, ClientPlaybackOnly)
	}
}

func TestOnlyFullControlPermitsSystemControl(t *testing.T) {
	for _, tc := range []ClientType{ClientPlaybackOnly, ClientCaptureOnly, ClientUnifiedDuplex, ClientPlugin} {
		if NewPolicy(tc).PermitsSystemControl() {
			t.Errorf("%v should not permit system control", tc)
		}
	}
	if !NewPolicy(ClientFullControl).PermitsSystemControl() {
		t.Error("full control should permit system control")
	}
}
