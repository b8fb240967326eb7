package filter

import (
	"testing"

	"github.com/pktvault/pktvault/pkg/model"
)

func samplePacket() *model.Packet {
	return &model.Packet{
		ID:        1,
		SessionID: 3,
		Timestamp: 150.5,
		SrcIP:     "10.0.0.1",
		DstIP:     "192.168.1.9",
		SrcPort:   54321,
		DstPort:   443,
		Protocol:  model.ProtocolTCP,
		Length:    128,
	}
}

func TestCompileAndMatch(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{`protocol == "TCP"`, true},
		{`protocol == "UDP"`, false},
		{`tcp`, true},
		{`udp`, false},
		{`tcp && length > 100`, true},
		{`tcp && length > 200`, false},
		{`src_ip == "10.0.0.1"`, true},
		{`ip == "192.168.1.9"`, true},
		{`ip == "172.16.0.1"`, false},
		{`port == 443`, true},
		{`port == 80`, false},
		{`dst_port == 443 || dst_port == 80`, true},
		{`session_id == 3`, true},
		{`timestamp >= 150 && timestamp <= 151`, true},
		{`!icmp`, true},
	}

	p := samplePacket()
	for _, tc := range cases {
		f, err := Compile(tc.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.expr, err)
		}
		if got := f.Match(p); got != tc.want {
			t.Errorf("filter %q: got %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	for _, bad := range []string{
		`protocol ==`,
		`length + 1`, // not a boolean
		`nonexistent_field == 1`,
	} {
		if _, err := Compile(bad); err == nil {
			t.Errorf("expected compile error for %q", bad)
		}
	}
}

func TestApply(t *testing.T) {
	f, err := Compile(`udp || length >= 128`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	big := samplePacket()
	small := samplePacket()
	small.ID = 2
	small.Timestamp = 151
	small.Length = 60
	udp := samplePacket()
	udp.ID = 3
	udp.Timestamp = 152
	udp.Protocol = model.ProtocolUDP
	udp.Length = 60

	out := f.Apply([]*model.Packet{big, small, udp})
	if len(out) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(out))
	}
	if out[0].ID != 1 || out[1].ID != 3 {
		t.Errorf("unexpected matches: %d, %d", out[0].ID, out[1].ID)
	}
}

func TestProtocolLiteralNotRewritten(t *testing.T) {
	f, err := Compile(`protocol == "tcp"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// Stored protocols are upper case; the quoted literal must stay
	// a string, not become a shorthand field.
	if f.Match(samplePacket()) {
		t.Error(`protocol == "tcp" should not match protocol TCP`)
	}
}

func TestFilterString(t *testing.T) {
	f, err := Compile(`tcp && port == 443`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.String() != `tcp && port == 443` {
		t.Errorf("String() = %q", f.String())
	}
}
