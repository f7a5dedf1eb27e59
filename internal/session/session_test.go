package session

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
	"github.com/viddhana/pool/internal/vardiff"
)

type harness struct {
	t      *testing.T
	client net.Conn
	reader *bufio.Scanner
	cancel context.CancelFunc
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Allocator == nil {
		alloc, err := extranonce.New(4)
		if err != nil {
			t.Fatalf("extranonce.New: %v", err)
		}
		deps.Allocator = alloc
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(10 * time.Minute)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = jobsource.NewBroadcaster()
	}
	if deps.ChainParams == nil {
		deps.ChainParams = &chaincfg.RegressionNetParams
	}
	if deps.MiningConfig.Extranonce2Size == 0 {
		deps.MiningConfig.Extranonce2Size = 4
	}
	if deps.MiningConfig.InitialDifficulty == 0 {
		deps.MiningConfig.InitialDifficulty = 1
	}
	if deps.MiningConfig.MinDifficulty == 0 {
		deps.MiningConfig.MinDifficulty = 0.001
	}
	if deps.MiningConfig.MaxDifficulty == 0 {
		deps.MiningConfig.MaxDifficulty = 1 << 20
	}
	if deps.BouncerConfig.CheckInterval == 0 {
		deps.BouncerConfig = bouncer.Config{
			WarnThreshold:      time.Minute,
			ReconnectThreshold: 2 * time.Minute,
			DropThreshold:      3 * time.Minute,
			PreAuthTimeout:     time.Minute,
			IdleTimeout:        10 * time.Minute,
			CheckInterval:      time.Hour,
		}
	}
	deps.VardiffConfig = vardiff.Config{
		TargetShareTime: 3333 * time.Millisecond,
		Window:          300 * time.Second,
		SilenceTimeout:  30 * time.Second,
	}

	sess := New(serverConn, deps)

	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)

	h := &harness{t: t, client: clientConn, reader: bufio.NewScanner(clientConn), cancel: cancel}
	h.reader.Buffer(make([]byte, 0, 64*1024), 64*1024)
	t.Cleanup(func() {
		cancel()
		clientConn.Close()
	})
	return h
}

func (h *harness) send(method string, id interface{}, params interface{}) {
	h.t.Helper()
	line, err := json.Marshal(map[string]interface{}{"id": id, "method": method, "params": params})
	if err != nil {
		h.t.Fatalf("marshal request: %v", err)
	}
	if _, err := h.client.Write(append(line, '\n')); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
}

func (h *harness) readFrame() map[string]interface{} {
	h.t.Helper()
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !h.reader.Scan() {
		h.t.Fatalf("scan: %v", h.reader.Err())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(h.reader.Bytes(), &out); err != nil {
		h.t.Fatalf("unmarshal response %q: %v", h.reader.Text(), err)
	}
	return out
}

// readResponse scans frames, skipping notifications, until a response
// carrying the expected id is found.
func (h *harness) readResponse(id float64) map[string]interface{} {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		f := h.readFrame()
		if rawID, ok := f["id"]; ok && rawID != nil {
			if fid, ok := rawID.(float64); ok && fid == id {
				return f
			}
		}
	}
	h.t.Fatalf("did not find response for id %v", id)
	return nil
}

func (h *harness) readNotification(method string) map[string]interface{} {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		f := h.readFrame()
		if f["method"] == method {
			return f
		}
	}
	h.t.Fatalf("did not find notification %q", method)
	return nil
}

func TestSubscribeThenAuthorize(t *testing.T) {
	h := newHarness(t, Deps{})

	h.send("mining.subscribe", 1, []interface{}{"cgminer/1.0"})
	resp := h.readResponse(1)
	result, ok := resp["result"].([]interface{})
	if !ok || len(result) != 3 {
		t.Fatalf("unexpected subscribe result: %+v", resp)
	}
	enonce1, _ := result[1].(string)
	if len(enonce1) != 8 {
		t.Fatalf("expected 4-byte hex enonce1, got %q", enonce1)
	}

	h.readNotification("mining.set_difficulty")

	h.send("mining.authorize", 2, []interface{}{"mrtesterXXXXXXXXXXXXXXXXXXXXXXXXXX.rig1", "x"})
	resp = h.readResponse(2)
	if resp["result"] != false {
		// The address part is not a valid base58check address, so
		// authorize is expected to report false rather than error.
		t.Fatalf("expected authorize false for a bogus address, got %+v", resp)
	}
}

func TestSubmitBeforeSubscribeIsRejected(t *testing.T) {
	h := newHarness(t, Deps{})

	h.send("mining.submit", 1, []interface{}{"rig1", "job1", "00000000", "5f5e1000", "00000000"})
	resp := h.readResponse(1)
	errField, ok := resp["error"].([]interface{})
	if !ok || len(errField) < 2 {
		t.Fatalf("expected an error array, got %+v", resp)
	}
	if code, _ := errField[0].(float64); int(code) != 25 {
		t.Fatalf("expected error code 25 (not subscribed), got %v", errField[0])
	}
}

func TestAuthorizeBeforeSubscribeIsRejected(t *testing.T) {
	h := newHarness(t, Deps{})

	h.send("mining.authorize", 1, []interface{}{"mrtesterXXXXXXXXXXXXXXXXXXXXXXXXXX.rig1", "x"})
	resp := h.readResponse(1)
	errField, ok := resp["error"].([]interface{})
	if !ok || len(errField) < 2 {
		t.Fatalf("expected an error array, got %+v", resp)
	}
	if code, _ := errField[0].(float64); int(code) != 25 {
		t.Fatalf("expected error code 25 (not subscribed), got %v", errField[0])
	}
	if msg, _ := errField[1].(string); msg != "Method not allowed in current state" {
		t.Fatalf("expected wrong-state error message, got %q", msg)
	}
}

func TestConfigureNegotiatesVersionRolling(t *testing.T) {
	h := newHarness(t, Deps{MiningConfig: config.MiningConfig{VersionMask: "1fffe000", Extranonce2Size: 4}})

	h.send("mining.configure", 1, []interface{}{
		[]string{"version-rolling"},
		map[string]interface{}{"version-rolling.mask": "ffffffff"},
	})
	resp := h.readResponse(1)
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected configure result: %+v", resp)
	}
	if result["version-rolling"] != true {
		t.Fatalf("expected version-rolling true, got %+v", result)
	}
	if result["version-rolling.mask"] != "1fffe000" {
		t.Fatalf("expected negotiated mask to equal the server mask, got %+v", result)
	}
}

func TestSuggestDifficultyClampsAndPushesSetDifficulty(t *testing.T) {
	h := newHarness(t, Deps{MiningConfig: config.MiningConfig{
		Extranonce2Size:   4,
		InitialDifficulty: 1,
		MinDifficulty:     1,
		MaxDifficulty:     1000,
	}})

	h.send("mining.suggest_difficulty", nil, []interface{}{5000})
	notif := h.readNotification("mining.set_difficulty")
	params, ok := notif["params"].([]interface{})
	if !ok || len(params) != 1 {
		t.Fatalf("unexpected set_difficulty params: %+v", notif)
	}
	if d, _ := params[0].(float64); d != 1000 {
		t.Fatalf("expected suggested difficulty clamped to 1000, got %v", d)
	}
}
