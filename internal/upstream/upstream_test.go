package upstream

import (
	"encoding/json"
	"testing"
)

func TestParseNotify(t *testing.T) {
	params := json.RawMessage(`["job1","0000000000000000000000000000000000000000000000000000000000000000","coinb1","coinb2",["aabbcc"],"20000000","1d00ffff","5f5e1000",true]`)
	n, err := parseNotify(params)
	if err != nil {
		t.Fatalf("parseNotify: %v", err)
	}
	if n.JobID != "job1" || n.Coinb1 != "coinb1" || !n.CleanJobs {
		t.Fatalf("unexpected parse result: %+v", n)
	}
	if len(n.MerkleBranches) != 1 || n.MerkleBranches[0] != "aabbcc" {
		t.Fatalf("unexpected merkle branches: %+v", n.MerkleBranches)
	}
}

func TestParseNotifyRejectsShortArray(t *testing.T) {
	if _, err := parseNotify(json.RawMessage(`["only","two"]`)); err == nil {
		t.Fatal("expected an error for a too-short notify array")
	}
}

func TestParseDifficulty(t *testing.T) {
	d, ok := parseDifficulty(json.RawMessage(`[512]`))
	if !ok || d != 512 {
		t.Fatalf("expected 512, got %v ok=%v", d, ok)
	}
}

func TestParseSubscribeResult(t *testing.T) {
	var result interface{}
	if err := json.Unmarshal([]byte(`[[["mining.set_difficulty","s1"],["mining.notify","s2"]],"deadbeef",4]`), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	enonce1, size, err := parseSubscribeResult(result)
	if err != nil {
		t.Fatalf("parseSubscribeResult: %v", err)
	}
	if enonce1 != "deadbeef" || size != 4 {
		t.Fatalf("unexpected result: enonce1=%s size=%d", enonce1, size)
	}
}
