// Package upstream implements a proxy's single outbound stratum connection:
// subscribe/authorize handshake, the relayed notify/set_difficulty stream,
// and threshold-gated share forwarding back upstream.
package upstream

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/protocol"
)

// State is the relay connection's lifecycle stage.
type State int

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Authorized
	Running
)

// Config describes how to reach and authenticate to the upstream pool.
type Config struct {
	URL                  string
	Username             string
	Password             string
	UserAgent            string
	ConnectTimeout       time.Duration
	Enonce1ExtensionSize int
}

// Notify is one upstream mining.notify, decoded.
type Notify protocol.NotifyParams

// ShareSubmission is a downstream-accepted share eligible for upstream
// forwarding.
type ShareSubmission struct {
	JobID       string
	Enonce2     string
	NTime       string
	Nonce       string
	VersionBits uint32
	HasVersion  bool
	ShareDiff   float64
}

// Relay owns the single upstream connection. Not safe for concurrent use
// except via its exported methods.
type Relay struct {
	cfg Config
	log *zap.Logger

	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex
	nextID  uint64

	state int32 // atomic State

	enonce1     []byte
	enonce2Size int

	diffMu     sync.RWMutex
	difficulty float64

	notifyMu sync.RWMutex
	onNotify func(Notify)

	disconnected chan struct{}
}

// New creates a Relay; call Connect to establish the session.
func New(cfg Config, log *zap.Logger) *Relay {
	return &Relay{
		cfg:          cfg,
		log:          log.Named("upstream"),
		disconnected: make(chan struct{}),
		difficulty:   1,
	}
}

// State reports the relay's current lifecycle stage.
func (r *Relay) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *Relay) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

// Disconnected returns a channel that closes once the upstream connection
// is lost.
func (r *Relay) Disconnected() <-chan struct{} {
	return r.disconnected
}

// Enonce1 returns the upstream-assigned extranonce1.
func (r *Relay) Enonce1() []byte {
	return r.enonce1
}

// Enonce2Size returns the upstream's enonce2 width, before any proxy
// extension is subtracted.
func (r *Relay) Enonce2Size() int {
	return r.enonce2Size
}

// DownstreamEnonce2Size is the enonce2 width the proxy hands to its own
// sessions, once its extension bytes are carved out of the upstream width.
func (r *Relay) DownstreamEnonce2Size() int {
	return r.enonce2Size - r.cfg.Enonce1ExtensionSize
}

// Difficulty reports the last mining.set_difficulty received from upstream.
func (r *Relay) Difficulty() float64 {
	r.diffMu.RLock()
	defer r.diffMu.RUnlock()
	return r.difficulty
}

// OnNotify registers the callback invoked for every upstream mining.notify.
// Must be called before Connect.
func (r *Relay) OnNotify(fn func(Notify)) {
	r.notifyMu.Lock()
	r.onNotify = fn
	r.notifyMu.Unlock()
}

// Connect dials the upstream, performs mining.subscribe then
// mining.authorize, and blocks until the first notify and set_difficulty
// have both arrived so the caller has a complete initial Workbase.
func (r *Relay) Connect(ctx context.Context) error {
	r.setState(Connecting)

	dialer := net.Dialer{Timeout: r.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.URL)
	if err != nil {
		return fmt.Errorf("upstream: dialing %s: %w", r.cfg.URL, err)
	}
	r.conn = conn
	r.writer = bufio.NewWriter(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, protocol.MaxFrameBytes), protocol.MaxFrameBytes)

	subResp, err := r.roundTrip(scanner, "mining.subscribe", []interface{}{r.cfg.UserAgent})
	if err != nil {
		conn.Close()
		return fmt.Errorf("upstream: subscribe: %w", err)
	}
	enonce1Hex, enonce2Size, err := parseSubscribeResult(subResp)
	if err != nil {
		conn.Close()
		return fmt.Errorf("upstream: parsing subscribe result: %w", err)
	}
	r.enonce1, err = hexDecode(enonce1Hex)
	if err != nil {
		conn.Close()
		return fmt.Errorf("upstream: decoding enonce1: %w", err)
	}
	r.enonce2Size = enonce2Size
	r.setState(Subscribed)

	authResp, err := r.roundTrip(scanner, "mining.authorize", []interface{}{r.cfg.Username, r.cfg.Password})
	if err != nil {
		conn.Close()
		return fmt.Errorf("upstream: authorize: %w", err)
	}
	ok, _ := authResp.(bool)
	if !ok {
		conn.Close()
		return fmt.Errorf("upstream: authorize rejected")
	}
	r.setState(Authorized)

	var gotDifficulty, gotNotify bool
	for !gotDifficulty || !gotNotify {
		line, err := readLine(scanner)
		if err != nil {
			conn.Close()
			return fmt.Errorf("upstream: waiting for initial job: %w", err)
		}
		frame, err := protocol.ParseFrame(line)
		if err != nil || frame.Kind != protocol.KindNotification {
			continue
		}
		switch frame.Method {
		case "mining.set_difficulty":
			if d, ok := parseDifficulty(frame.Params); ok {
				r.diffMu.Lock()
				r.difficulty = d
				r.diffMu.Unlock()
				gotDifficulty = true
			}
		case "mining.notify":
			if n, err := parseNotify(frame.Params); err == nil {
				r.dispatchNotify(n)
				gotNotify = true
			}
		}
	}

	r.setState(Running)
	go r.readLoop(scanner)
	return nil
}

func (r *Relay) dispatchNotify(n Notify) {
	r.notifyMu.RLock()
	fn := r.onNotify
	r.notifyMu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (r *Relay) readLoop(scanner *bufio.Scanner) {
	defer func() {
		r.conn.Close()
		close(r.disconnected)
	}()

	for {
		line, err := readLine(scanner)
		if err != nil {
			r.log.Warn("upstream connection lost", zap.Error(err))
			return
		}
		frame, err := protocol.ParseFrame(line)
		if err != nil {
			continue
		}
		switch {
		case frame.Kind == protocol.KindNotification && frame.Method == "mining.notify":
			n, err := parseNotify(frame.Params)
			if err != nil {
				r.log.Warn("discarding malformed upstream notify", zap.Error(err))
				continue
			}
			r.dispatchNotify(n)
		case frame.Kind == protocol.KindNotification && frame.Method == "mining.set_difficulty":
			if d, ok := parseDifficulty(frame.Params); ok {
				r.diffMu.Lock()
				r.difficulty = d
				r.diffMu.Unlock()
			}
		case frame.Kind == protocol.KindResponse:
			// Submit acknowledgements are logged best-effort; the proxy does
			// not block downstream processing on upstream's verdict.
			r.log.Debug("upstream response", zap.ByteString("frame", line))
		}
	}
}

// Submit forwards a downstream-accepted share upstream if its difficulty
// clears the upstream's current threshold. The proxy's enonce1 extension
// bytes are appended to the downstream enonce2 before forwarding.
func (r *Relay) Submit(s ShareSubmission, extensionHex string) {
	if s.ShareDiff < r.Difficulty() {
		r.log.Debug("share below upstream difficulty, not forwarding",
			zap.Float64("share_diff", s.ShareDiff), zap.Float64("upstream_diff", r.Difficulty()))
		return
	}

	params := []interface{}{r.cfg.Username, s.JobID, s.Enonce2 + extensionHex, s.NTime, s.Nonce}
	if s.HasVersion {
		params = append(params, fmt.Sprintf("%08x", s.VersionBits))
	}

	if err := r.send("mining.submit", params); err != nil {
		r.log.Warn("failed to forward share upstream", zap.Error(err))
	}
}

func (r *Relay) send(method string, params []interface{}) error {
	id := atomic.AddUint64(&r.nextID, 1)
	line, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return err
	}
	return r.writer.Flush()
}

func (r *Relay) roundTrip(scanner *bufio.Scanner, method string, params []interface{}) (interface{}, error) {
	id := atomic.AddUint64(&r.nextID, 1)
	line, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return nil, err
	}
	if err := r.writer.Flush(); err != nil {
		return nil, err
	}

	for {
		raw, err := readLine(scanner)
		if err != nil {
			return nil, err
		}
		frame, err := protocol.ParseFrame(raw)
		if err != nil || frame.Kind != protocol.KindResponse {
			continue
		}
		var result interface{}
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			return nil, err
		}
		return result, nil
	}
}

func readLine(scanner *bufio.Scanner) ([]byte, error) {
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("upstream: connection closed")
	}
	return scanner.Bytes(), nil
}

func parseSubscribeResult(result interface{}) (string, int, error) {
	arr, ok := result.([]interface{})
	if !ok || len(arr) < 3 {
		return "", 0, fmt.Errorf("malformed subscribe result")
	}
	enonce1, ok := arr[1].(string)
	if !ok {
		return "", 0, fmt.Errorf("enonce1 not a string")
	}
	size, ok := arr[2].(float64)
	if !ok {
		return "", 0, fmt.Errorf("enonce2_size not a number")
	}
	return enonce1, int(size), nil
}

func parseDifficulty(params json.RawMessage) (float64, bool) {
	var arr []float64
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 1 {
		return 0, false
	}
	return arr[0], true
}

func parseNotify(params json.RawMessage) (Notify, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 9 {
		return Notify{}, fmt.Errorf("malformed notify params")
	}

	var jobID, prevHash, coinb1, coinb2, version, nbits, ntime string
	var cleanJobs bool
	var branches []string

	if err := json.Unmarshal(arr[0], &jobID); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[1], &prevHash); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[2], &coinb1); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[3], &coinb2); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[4], &branches); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[5], &version); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[6], &nbits); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[7], &ntime); err != nil {
		return Notify{}, err
	}
	if err := json.Unmarshal(arr[8], &cleanJobs); err != nil {
		return Notify{}, err
	}

	return Notify{
		JobID:          jobID,
		PrevHash:       prevHash,
		Coinb1:         coinb1,
		Coinb2:         coinb2,
		MerkleBranches: branches,
		Version:        version,
		NBits:          nbits,
		NTime:          ntime,
		CleanJobs:      cleanJobs,
	}, nil
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
