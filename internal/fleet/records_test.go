package fleet

import "testing"

func TestPlan_Build_PortDisjointness(t *testing.T) {
	p := Plan{
		DNSTTCount:          2,
		SSHPerDNSTT:         3,
		DNSTTStartPort:      1080,
		SocksStartPort:      9090,
		SocksPortsPerTunnel: 100,
	}
	parents, children := p.Build()
	if len(parents) != 2 {
		t.Fatalf("expected 2 parents, got %d", len(parents))
	}

	seen := map[int]bool{}
	for _, parent := range parents {
		if seen[parent.LocalPort] {
			t.Fatalf("duplicate local_port %d", parent.LocalPort)
		}
		seen[parent.LocalPort] = true
	}
	for _, kids := range children {
		for _, k := range kids {
			if seen[k.Socks5Port] {
				t.Fatalf("socks5_port %d collides with another port", k.Socks5Port)
			}
			seen[k.Socks5Port] = true
		}
	}

	if parents[0].LocalPort != 1080 || parents[1].LocalPort != 1081 {
		t.Fatalf("unexpected local ports: %d, %d", parents[0].LocalPort, parents[1].LocalPort)
	}
	if children[0][0].Socks5Port != 9090 || children[0][2].Socks5Port != 9092 {
		t.Fatalf("unexpected tunnel-0 socks5 ports")
	}
	if children[1][0].Socks5Port != 9190 || children[1][2].Socks5Port != 9192 {
		t.Fatalf("unexpected tunnel-1 socks5 ports")
	}
}

func TestDNSTTTunnel_AliveWithNoHandle(t *testing.T) {
	tunnel := &DNSTTTunnel{TunnelID: 0}
	if tunnel.Alive() {
		t.Fatal("expected Alive() false with no process handle")
	}
}
