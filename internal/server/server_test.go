package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/bouncer"
	"github.com/viddhana/pool/internal/config"
	"github.com/viddhana/pool/internal/extranonce"
	"github.com/viddhana/pool/internal/jobsource"
	"github.com/viddhana/pool/internal/registry"
	"github.com/viddhana/pool/internal/session"
	"github.com/viddhana/pool/internal/vardiff"
)

func testDeps(t *testing.T) session.Deps {
	t.Helper()
	alloc, err := extranonce.New(4)
	if err != nil {
		t.Fatalf("extranonce.New: %v", err)
	}
	return session.Deps{
		Log:          zap.NewNop(),
		MiningConfig: config.MiningConfig{Extranonce2Size: 4, InitialDifficulty: 1, MinDifficulty: 0.001, MaxDifficulty: 1 << 20},
		VardiffConfig: vardiff.Config{
			TargetShareTime: 3333 * time.Millisecond,
			Window:          300 * time.Second,
			SilenceTimeout:  30 * time.Second,
		},
		BouncerConfig: bouncer.Config{
			WarnThreshold:      time.Minute,
			ReconnectThreshold: 2 * time.Minute,
			DropThreshold:      3 * time.Minute,
			PreAuthTimeout:     time.Minute,
			IdleTimeout:        10 * time.Minute,
			CheckInterval:      time.Hour,
		},
		ChainParams: &chaincfg.RegressionNetParams,
		Allocator:   alloc,
		Registry:    registry.New(10 * time.Minute),
		Broadcaster: jobsource.NewBroadcaster(),
	}
}

// TestServerAcceptsAndRunsSession verifies the listener hands an accepted
// connection to a session.Session that speaks the protocol, rather than
// asserting anything about the now-removed per-connection registry.
func TestServerAcceptsAndRunsSession(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, zap.NewNop(), testDeps(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go srv.handleConnection(ctx, conn)
		}
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req, _ := json.Marshal(map[string]interface{}{"id": 1, "method": "mining.subscribe", "params": []interface{}{"test/1.0"}})
	if _, err := client.Write(append(req, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(client)
	if !scanner.Scan() {
		t.Fatalf("scan: %v", scanner.Err())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", scanner.Text(), err)
	}
	result, ok := resp["result"].([]interface{})
	if !ok || len(result) != 3 {
		t.Fatalf("unexpected subscribe response: %+v", resp)
	}

	if got := srv.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 active connection, got %d", got)
	}

	listener.Close()
}
