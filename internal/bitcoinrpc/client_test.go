package bitcoinrpc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
)

func TestResolveAuthPrefersUserPass(t *testing.T) {
	a, err := resolveAuth(Config{User: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if a.user != "alice" || a.pass != "secret" {
		t.Fatalf("unexpected auth: %+v", a)
	}
}

func TestResolveAuthReadsCookieFile(t *testing.T) {
	dir := t.TempDir()
	cookiePath := filepath.Join(dir, ".cookie")
	if err := os.WriteFile(cookiePath, []byte("__cookie__:abc123\n"), 0o600); err != nil {
		t.Fatalf("writing cookie file: %v", err)
	}

	a, err := resolveAuth(Config{CookiePath: cookiePath})
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if a.user != "__cookie__" || a.pass != "abc123" {
		t.Fatalf("unexpected auth: %+v", a)
	}
}

func TestResolveAuthRequiresCredentials(t *testing.T) {
	if _, err := resolveAuth(Config{}); err == nil {
		t.Fatal("expected an error with no credentials configured")
	}
}

func TestDecodeBlockConfirmationsReportsOrphan(t *testing.T) {
	n, err := decodeBlockConfirmations([]byte(`{"confirmations":-1}`))
	if err != nil {
		t.Fatalf("decodeBlockConfirmations: %v", err)
	}
	if n != -1 {
		t.Fatalf("expected -1 for a side-chain block, got %d", n)
	}
}

func TestDecodeBlockConfirmationsReportsDepth(t *testing.T) {
	n, err := decodeBlockConfirmations([]byte(`{"confirmations":144}`))
	if err != nil {
		t.Fatalf("decodeBlockConfirmations: %v", err)
	}
	if n != 144 {
		t.Fatalf("expected 144, got %d", n)
	}
}

func TestDecodeBlockRewardSumsCoinbaseOutputs(t *testing.T) {
	raw := []byte(`{"tx":[{"vout":[{"value":3.125},{"value":0.00001}]}]}`)
	reward, err := decodeBlockReward(raw, "deadbeef")
	if err != nil {
		t.Fatalf("decodeBlockReward: %v", err)
	}
	const want = 312501000
	if reward != want {
		t.Fatalf("expected %d satoshis, got %d", want, reward)
	}
}

func TestDecodeBlockRewardRejectsEmptyBlock(t *testing.T) {
	if _, err := decodeBlockReward([]byte(`{"tx":[]}`), "deadbeef"); err == nil {
		t.Fatal("expected an error for a block with no transactions")
	}
}

func TestIsWarmingUp(t *testing.T) {
	warm := &btcjson.RPCError{Code: warmupErrorCode, Message: "loading block index"}
	if !isWarmingUp(warm) {
		t.Fatal("expected warmup error to be recognized")
	}

	other := &btcjson.RPCError{Code: -1, Message: "misc error"}
	if isWarmingUp(other) {
		t.Fatal("did not expect a non-warmup RPC error to be recognized as warmup")
	}
}
