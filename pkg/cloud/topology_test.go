package cloud

import "testing"

// Representative CLUSTER NODES output: three masters (one failing), two
// replicas, one node without a reachable address.
const clusterNodesSample = `07c37dfeb235213a872192d90877d0cd55635b91 10.0.1.1:6379@16379 master - 0 1691064482000 1 connected 0-5460
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 10.0.1.2:6379@16379 master - 0 1691064483000 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 10.0.1.3:6379@16379 master,fail - 0 1691064484000 3 connected 10923-16383
6ec23923021cf3ffec47632106199cb7f496ce01 10.0.2.1:6379@16379 slave 07c37dfeb235213a872192d90877d0cd55635b91 0 1691064485000 1 connected
824fe116063bc5fcf9f4ffd895bc17aee7731ac3 10.0.2.2:6379@16379 slave 67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 0 1691064486000 2 connected
e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca :0@0 master,noaddr - 0 1691064487000 4 disconnected
`

func TestParseClusterNodes(t *testing.T) {
	masters := ParseClusterNodes(clusterNodesSample)

	if len(masters) != 2 {
		t.Fatalf("masters = %d, want 2: %+v", len(masters), masters)
	}

	want := map[string]string{
		"07c37dfeb235213a872192d90877d0cd55635b91": "10.0.1.1:6379",
		"67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1": "10.0.1.2:6379",
	}
	for _, m := range masters {
		if addr, ok := want[m.ID]; !ok || m.Addr() != addr {
			t.Errorf("unexpected master %s at %s", m.ID, m.Addr())
		}
	}
}

func TestParseClusterNodesEmpty(t *testing.T) {
	if got := ParseClusterNodes(""); len(got) != 0 {
		t.Errorf("ParseClusterNodes(\"\") = %+v", got)
	}
	if got := ParseClusterNodes("garbage line\n"); len(got) != 0 {
		t.Errorf("garbage parsed as nodes: %+v", got)
	}
}
