// Package session implements the per-connection Stratum protocol state
// machine: framing, request handlers, job dispatch, share validation, and
// the bouncer/vardiff ticks that govern a miner's lifecycle on the socket.
package session

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/viddhana/pool/internal/bouncer"
	"github.com/viddhana/pool/internal/coinbase"
	"github.com/viddhana/pool/internal/config"
	"github.com/viddhana/pool/internal/eventsink"
	"github.com/viddhana/pool/internal/extranonce"
	"github.com/viddhana/pool/internal/jobsource"
	"github.com/viddhana/pool/internal/protocol"
	"github.com/viddhana/pool/internal/registry"
	"github.com/viddhana/pool/internal/storage"
	"github.com/viddhana/pool/internal/upstream"
	"github.com/viddhana/pool/internal/validator"
	"github.com/viddhana/pool/internal/vardiff"
)

// State is the session's position in the protocol FSM.
type State int32

const (
	StateOpen State = iota
	StateConfigured
	StateSubscribed
	StateAuthorized
	StateClosed
)

// BlockSubmitter hands a block-candidate share off to whatever can act on
// it: assembling and submitting a full block in pool mode, or forwarding a
// mining.submit upstream in proxy mode. Session holds no opinion on which.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, wb *jobsource.Workbase, job validator.Job, sub validator.Submission, result validator.Result) error
}

// Deps bundles everything a Session needs that outlives the connection:
// shared allocators, registries, configuration, and sinks. One Deps is
// shared by every session a listener accepts.
type Deps struct {
	Log *zap.Logger

	ServerConfig config.ServerConfig
	MiningConfig config.MiningConfig
	VardiffConfig vardiff.Config
	BouncerConfig bouncer.Config

	ChainParams *chaincfg.Params

	// Enonce1Prefix is prepended to every locally allocated enonce1 value.
	// Empty in pool mode. In proxy mode it is the upstream-assigned
	// enonce1, so the allocator below only needs to size its extension
	// bytes.
	Enonce1Prefix []byte

	Allocator   *extranonce.Allocator
	Registry    *registry.Registry
	Broadcaster *jobsource.Broadcaster

	// Relay is non-nil in proxy mode, used to forward accepted shares and
	// to report the downstream enonce2 width.
	Relay *upstream.Relay

	Sink           *eventsink.Sink
	BlockSubmitter BlockSubmitter

	// Redis and Postgres back cross-process worker state: duplicate-share
	// dedupe, difficulty resume across reconnects, and worker/block
	// persistence. Both are nil-able; a nil client makes the corresponding
	// wiring in Session a no-op.
	Redis    *storage.RedisClient
	Postgres *storage.PostgresClient
}

type fifoJob struct {
	job validator.Job
	wb  *jobsource.Workbase
}

// Session owns one TCP connection's protocol state. A Session's mutable
// fields are touched only by its own Run goroutine and the reader goroutine
// it spawns, except where guarded (writeMu).
type Session struct {
	id   string
	deps Deps
	conn net.Conn
	log  *zap.Logger

	state int32

	writer  *bufio.Writer
	writeMu sync.Mutex

	enonce1           extranonce.Extranonce
	enonce1Allocated  bool
	enonce2Size       int
	versionMask       uint32
	hasVersionRolling bool

	minerAddress btcutil.Address
	addressStr   string
	workerName   string
	remoteAddr   string

	bouncer      *bouncer.Bouncer
	vardiffState *vardiff.State
	dedupe       *validator.DedupeSet

	jobs   map[string]fifoJob
	jobOrd []string

	closeChan chan struct{}
	closeOnce sync.Once
}

// New creates a Session bound to an accepted connection. Call Run to drive
// it to completion.
func New(conn net.Conn, deps Deps) *Session {
	id := uuid.New().String()[:8]
	return &Session{
		id:           id,
		deps:         deps,
		conn:         conn,
		log:          deps.Log.Named("session").With(zap.String("session_id", id)),
		writer:       bufio.NewWriter(conn),
		enonce2Size:  deps.MiningConfig.Extranonce2Size,
		versionMask:  serverVersionMask(deps.MiningConfig.VersionMask),
		bouncer:      bouncer.New(deps.BouncerConfig, false),
		vardiffState: vardiff.NewState(withVardiffBounds(deps.VardiffConfig, deps.MiningConfig), deps.MiningConfig.InitialDifficulty),
		dedupe:       validator.NewDedupeSet(validator.DefaultDedupeLimit),
		jobs:         make(map[string]fifoJob),
		remoteAddr:   conn.RemoteAddr().String(),
		closeChan:    make(chan struct{}),
	}
}

func withVardiffBounds(cfg vardiff.Config, mining config.MiningConfig) vardiff.Config {
	cfg.MinDifficulty = mining.MinDifficulty
	cfg.MaxDifficulty = mining.MaxDifficulty
	return cfg
}

func serverVersionMask(hexMask string) uint32 {
	if hexMask == "" {
		hexMask = "1fffe000"
	}
	v, err := strconv.ParseUint(hexMask, 16, 32)
	if err != nil {
		return 0x1fffe000
	}
	return uint32(v)
}

// State reports the session's current FSM state.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Run drives the session until the connection closes, ctx is cancelled, or
// the bouncer orders a drop. It always closes the underlying connection
// before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.close("session ended")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(lines, readErr)

	watch := s.deps.Broadcaster.Watch()

	ticker := time.NewTicker(s.bouncer.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.closeChan:
			return

		case err := <-readErr:
			if err != nil && err != io.EOF {
				s.log.Debug("connection read ended", zap.Error(err))
			}
			return

		case line := <-lines:
			if err := s.handleLine(ctx, line); err != nil {
				s.log.Debug("error handling frame", zap.Error(err))
			}

		case <-watch:
			watch = s.deps.Broadcaster.Watch()
			if wb := s.deps.Broadcaster.Current(); wb != nil {
				if err := s.dispatchJob(wb, false); err != nil {
					s.log.Warn("failed to materialize job from updated workbase", zap.Error(err))
				}
			}

		case <-ticker.C:
			s.applyConsequence(s.bouncer.IdleCheck())
			if newDiff, changed := s.vardiffState.CheckSilence(time.Now()); changed {
				if err := s.sendDifficulty(newDiff); err != nil {
					s.log.Warn("failed to send silence-retargeted difficulty", zap.Error(err))
				}
				s.cacheDifficulty(newDiff)
			}
			s.heartbeatWorker()
		}
	}
}

// readLoop has no per-read deadline: downstream silence is detected by the
// bouncer's idle tick in Run, not by the socket itself, so a slow but live
// miner is never punished for an unlucky read timing.
func (s *Session) readLoop(lines chan<- []byte, readErr chan<- error) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, protocol.MaxFrameBytes), protocol.MaxFrameBytes)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- line:
		case <-s.closeChan:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		readErr <- err
		return
	}
	readErr <- io.EOF
}

func (s *Session) handleLine(ctx context.Context, line []byte) error {
	frame, err := protocol.ParseFrame(line)
	if err != nil {
		s.log.Debug("malformed frame, disconnecting", zap.Error(err))
		s.close("malformed frame")
		return err
	}

	if frame.Kind != protocol.KindRequest && frame.Kind != protocol.KindNotification {
		return nil // responses are only meaningful on the upstream relay side
	}

	switch frame.Method {
	case "mining.configure":
		return s.handleConfigure(frame)
	case "mining.subscribe":
		return s.handleSubscribe(frame)
	case "mining.authorize":
		return s.handleAuthorize(ctx, frame)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(frame)
	case "mining.submit":
		return s.handleSubmit(ctx, frame)
	case "mining.extranonce.subscribe":
		return s.sendResult(frame.ID, true)
	default:
		return s.sendError(frame.ID, protocol.ErrBadRequest, "Method not found")
	}
}

func (s *Session) handleConfigure(f *protocol.Frame) error {
	if s.State() > StateConfigured {
		return s.sendError(f.ID, protocol.ErrBadRequest, "Method not allowed in current state")
	}

	params, err := protocol.ParseConfigureParams(f.Params)
	if err != nil {
		return s.sendStratumError(f.ID, err)
	}

	result := map[string]interface{}{}
	for _, ext := range params.Extensions {
		if ext != "version-rolling" {
			result[ext] = false
			continue
		}
		clientMask, err := strconv.ParseUint(params.VersionRollingMask, 16, 32)
		if err != nil {
			result[ext] = false
			continue
		}
		effective := s.versionMask & uint32(clientMask)
		s.versionMask = effective
		s.hasVersionRolling = true
		result["version-rolling"] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", effective)
	}

	s.setState(StateConfigured)
	return s.sendResult(f.ID, result)
}

func (s *Session) handleSubscribe(f *protocol.Frame) error {
	if s.State() > StateConfigured {
		return s.sendError(f.ID, protocol.ErrBadRequest, "Method not allowed in current state")
	}

	params, err := protocol.ParseSubscribeParams(f.Params)
	if err != nil {
		return s.sendStratumError(f.ID, err)
	}

	if err := s.assignEnonce1(params.SessionID); err != nil {
		s.close("extranonce space exhausted")
		return err
	}

	subscriptions := [][]interface{}{
		{"mining.set_difficulty", s.id},
		{"mining.notify", s.id},
	}
	result := []interface{}{subscriptions, s.enonce1.String(), s.enonce2Size}

	if err := s.sendResult(f.ID, result); err != nil {
		return err
	}
	s.setState(StateSubscribed)

	if err := s.sendDifficulty(s.vardiffState.Difficulty()); err != nil {
		return err
	}

	if wb := s.deps.Broadcaster.Current(); wb != nil {
		return s.dispatchJob(wb, true)
	}
	return nil
}

func (s *Session) assignEnonce1(priorEnonce1Hex string) error {
	if priorEnonce1Hex != "" {
		if snap, ok := s.deps.Registry.Take(priorEnonce1Hex); ok {
			raw, err := hex.DecodeString(snap.Enonce1)
			if err == nil {
				s.enonce1 = extranonce.Extranonce(raw)
				s.enonce2Size = snap.Enonce2Size
				s.versionMask = snap.VersionMask
				s.workerName = snap.WorkerName
				s.addressStr = snap.AuthorizedAddress
				s.enonce1Allocated = false
				return nil
			}
		}
	}

	local, err := s.deps.Allocator.Allocate()
	if err != nil {
		return fmt.Errorf("session: allocating enonce1: %w", err)
	}
	full := make([]byte, 0, len(s.deps.Enonce1Prefix)+len(local))
	full = append(full, s.deps.Enonce1Prefix...)
	full = append(full, local...)
	s.enonce1 = extranonce.Extranonce(full)
	s.enonce1Allocated = true
	if s.deps.Relay != nil {
		s.enonce2Size = s.deps.Relay.DownstreamEnonce2Size()
	}
	return nil
}

func (s *Session) handleAuthorize(ctx context.Context, f *protocol.Frame) error {
	params, err := protocol.ParseAuthorizeParams(f.Params)
	if err != nil {
		return s.sendStratumError(f.ID, err)
	}
	if s.State() < StateSubscribed {
		return s.sendError(f.ID, protocol.ErrNotSubscribed, "Method not allowed in current state")
	}

	address, workerName := splitUsername(params.Username)
	addr, err := btcutil.DecodeAddress(address, s.deps.ChainParams)
	if err != nil {
		s.log.Debug("authorize rejected: invalid address", zap.String("username", params.Username))
		return s.sendResult(f.ID, false)
	}

	s.minerAddress = addr
	s.addressStr = address
	s.workerName = workerName
	s.bouncer.Authorize()
	s.setState(StateAuthorized)

	s.resumeDifficulty(ctx)
	s.recordWorkerAuthorized()

	if err := s.sendResult(f.ID, true); err != nil {
		return err
	}

	if wb := s.deps.Broadcaster.Current(); wb != nil {
		return s.dispatchJob(wb, false)
	}
	return nil
}

// resumeDifficulty looks up a previously cached difficulty for this worker
// in Redis so a reconnecting miner doesn't restart at InitialDifficulty,
// and pushes the resumed value if found. GetWorkerDifficulty returns 1.0
// on a cache miss rather than an error, which is indistinguishable from a
// genuinely cached 1.0, so that sentinel value is treated as a miss here
// too and left to the session's own InitialDifficulty.
func (s *Session) resumeDifficulty(ctx context.Context) {
	if s.deps.Redis == nil || s.workerName == "" {
		return
	}
	cached, err := s.deps.Redis.GetWorkerDifficulty(ctx, s.fullWorkerName())
	if err != nil || cached <= 0 || cached == 1.0 {
		return
	}
	newDiff := s.vardiffState.SuggestDifficulty(cached)
	if err := s.sendDifficulty(newDiff); err != nil {
		s.log.Warn("failed to send resumed difficulty", zap.Error(err))
	}
}

// recordWorkerAuthorized persists the worker record asynchronously, off the
// session's hot path, mirroring how the event sink decouples share writes
// from request handling.
func (s *Session) recordWorkerAuthorized() {
	if s.deps.Postgres == nil {
		return
	}
	name, address := s.fullWorkerName(), s.addressStr
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		existing, err := s.deps.Postgres.GetWorker(ctx, name)
		firstSeen := time.Now()
		if err == nil && existing != nil {
			firstSeen = existing.FirstSeenAt
		}

		now := time.Now()
		if err := s.deps.Postgres.UpsertWorker(ctx, &storage.Worker{
			Name:        name,
			Address:     address,
			FirstSeenAt: firstSeen,
			LastSeenAt:  now,
		}); err != nil {
			s.log.Warn("failed to persist worker record", zap.Error(err))
		}
	}()
}

// fullWorkerName is the address.worker key used for cross-process worker
// state, matching how the registry and stats aggregator key workers.
func (s *Session) fullWorkerName() string {
	if s.workerName == "" {
		return s.addressStr
	}
	return s.addressStr + "." + s.workerName
}

// isCrossProcessDuplicate consults Redis's SETNX-backed dedupe set as a
// safety net beyond the in-process DedupeSet: two pool processes behind a
// shared listener, or a session that restarted mid-job, would otherwise
// each accept the same share once.
func (s *Session) isCrossProcessDuplicate(ctx context.Context, params protocol.SubmitParams) bool {
	if s.deps.Redis == nil {
		return false
	}
	shareKey := fmt.Sprintf("%s:%s:%s:%s:%s", s.fullWorkerName(), params.JobID, params.Enonce2, params.NTime, params.Nonce)
	dup, err := s.deps.Redis.CheckDuplicateShare(ctx, shareKey)
	if err != nil {
		s.log.Warn("cross-process dedupe check failed", zap.Error(err))
		return false
	}
	return dup
}

// cacheDifficulty persists the session's current difficulty to Redis so a
// reconnecting worker resumes near its last-known rate instead of
// restarting at InitialDifficulty. Fire-and-forget: a cache miss or write
// failure only costs one slower ramp-up, not correctness.
func (s *Session) cacheDifficulty(diff float64) {
	if s.deps.Redis == nil || s.workerName == "" {
		return
	}
	name := s.fullWorkerName()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Redis.SetWorkerDifficulty(ctx, name, diff); err != nil {
			s.log.Warn("failed to cache worker difficulty", zap.Error(err))
		}
	}()
}

// heartbeatWorker refreshes this worker's online-set membership and last
// seen timestamp so dashboards querying Redis/Postgres see it as live
// between shares, not just at authorize time.
func (s *Session) heartbeatWorker() {
	if s.State() < StateAuthorized || s.workerName == "" {
		return
	}
	name := s.fullWorkerName()

	if s.deps.Redis != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Redis.AddOnlineWorker(ctx, name); err != nil {
				s.log.Warn("failed to refresh worker heartbeat", zap.Error(err))
			}
		}()
	}

	if s.deps.Postgres != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.deps.Postgres.UpdateWorkerLastSeen(ctx, name, time.Now()); err != nil {
				s.log.Warn("failed to update worker last-seen", zap.Error(err))
			}
		}()
	}
}

func splitUsername(username string) (address, workerName string) {
	if i := strings.IndexByte(username, '.'); i >= 0 {
		return username[:i], username[i+1:]
	}
	return username, ""
}

func (s *Session) handleSuggestDifficulty(f *protocol.Frame) error {
	var arr []float64
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &arr); err == nil && len(arr) > 0 {
			newDiff := s.vardiffState.SuggestDifficulty(arr[0])
			return s.sendDifficulty(newDiff)
		}
	}
	return s.sendResult(f.ID, s.vardiffState.Difficulty())
}

func (s *Session) handleSubmit(ctx context.Context, f *protocol.Frame) error {
	if s.State() < StateSubscribed {
		return s.sendError(f.ID, protocol.ErrNotSubscribed, "Method not allowed in current state")
	}
	if s.State() < StateAuthorized {
		return s.sendError(f.ID, protocol.ErrUnauthorizedWorker, "Not authorized")
	}

	params, err := protocol.ParseSubmitParams(f.Params)
	if err != nil {
		return s.sendStratumError(f.ID, err)
	}

	fj, ok := s.jobs[params.JobID]
	if !ok {
		s.onReject(validator.Result{Reject: validator.RejectJobNotFound, RejectReason: "Job not found"}, params)
		return s.sendSubmitReject(f.ID, protocol.ErrJobNotFound, "Job not found")
	}

	if len(params.Enonce2) != 2*s.enonce2Size || len(params.NTime) != 8 || len(params.Nonce) != 8 {
		s.onReject(validator.Result{Reject: validator.RejectInvalidNonceSize, RejectReason: "Invalid nonce size"}, params)
		return s.sendSubmitReject(f.ID, protocol.ErrInvalidNonceSize, "Invalid nonce size")
	}

	var versionBits uint32
	if params.HasVersion && s.hasVersionRolling {
		vb, err := strconv.ParseUint(params.VersionBits, 16, 32)
		if err != nil {
			s.onReject(validator.Result{Reject: validator.RejectInvalidNonceSize, RejectReason: "Invalid version bits"}, params)
			return s.sendSubmitReject(f.ID, protocol.ErrInvalidNonceSize, "Invalid version bits")
		}
		versionBits = uint32(vb)
	}

	dupKey := validator.DuplicateKey{Enonce2: params.Enonce2, NTime: params.NTime, Nonce: params.Nonce, VersionBits: versionBits}
	if s.dedupe.CheckAndAdd(dupKey) {
		s.onReject(validator.Result{Reject: validator.RejectDuplicate, RejectReason: "Duplicate share"}, params)
		return s.sendSubmitReject(f.ID, protocol.ErrDuplicateShare, "Duplicate share")
	}
	if s.isCrossProcessDuplicate(ctx, params) {
		s.onReject(validator.Result{Reject: validator.RejectDuplicate, RejectReason: "Duplicate share"}, params)
		return s.sendSubmitReject(f.ID, protocol.ErrDuplicateShare, "Duplicate share")
	}

	sub := validator.Submission{
		Enonce1:     s.enonce1,
		Enonce2:     params.Enonce2,
		NTime:       params.NTime,
		Nonce:       params.Nonce,
		VersionBits: versionBits,
		HasVersion:  params.HasVersion && s.hasVersionRolling,
		VersionMask: s.versionMask,
	}

	target := protocol.DifficultyToTarget(s.vardiffState.Difficulty())
	result, err := validator.Validate(fj.job, sub, target)
	if err != nil {
		s.log.Warn("share validation error", zap.Error(err))
		return s.sendSubmitReject(f.ID, protocol.ErrOther, "Internal error")
	}

	if !result.Accepted {
		s.onReject(result, params)
		if result.IsBlockCandidate {
			s.recordBlockCandidate(ctx, fj, sub, result)
		}
		return s.sendSubmitReject(f.ID, int(result.Reject), result.RejectReason)
	}

	s.onAccept(result, params)
	if result.IsBlockCandidate {
		s.recordBlockCandidate(ctx, fj, sub, result)
	}
	return s.sendResult(f.ID, true)
}

func (s *Session) recordBlockCandidate(ctx context.Context, fj fifoJob, sub validator.Submission, result validator.Result) {
	if s.deps.Sink != nil {
		s.deps.Sink.Publish(eventsink.NewBlockFoundEvent(eventsink.BlockFoundEvent{
			BlockHeight:   fj.wb.Height,
			BlockHash:     fmt.Sprintf("%064x", reverse32(result.Hash)),
			Address:       s.addressStr,
			WorkerName:    s.workerName,
			Diff:          result.ShareDiff,
			CoinbaseValue: fj.wb.CoinbaseValue,
		}))
	}
	if s.deps.BlockSubmitter != nil {
		if err := s.deps.BlockSubmitter.SubmitBlock(ctx, fj.wb, fj.job, sub, result); err != nil {
			s.log.Error("block submission failed", zap.Error(err))
		}
	}
}

func reverse32(h [32]byte) [32]byte {
	var out [32]byte
	for i := 0; i < 32; i++ {
		out[i] = h[31-i]
	}
	return out
}

func (s *Session) onAccept(result validator.Result, params protocol.SubmitParams) {
	s.bouncer.Accept()
	if newDiff, changed := s.vardiffState.OnAccept(time.Now()); changed {
		if err := s.sendDifficulty(newDiff); err != nil {
			s.log.Warn("failed to send retargeted difficulty", zap.Error(err))
		}
		s.cacheDifficulty(newDiff)
	}

	if s.deps.Relay != nil {
		s.deps.Relay.Submit(upstream.ShareSubmission{
			JobID:       params.JobID,
			Enonce2:     params.Enonce2,
			NTime:       params.NTime,
			Nonce:       params.Nonce,
			VersionBits: serverVersionMaskParse(params.VersionBits),
			HasVersion:  params.HasVersion,
			ShareDiff:   result.ShareDiff,
		}, extensionHex(s.deps.Enonce1Prefix, s.enonce1))
	}

	if s.deps.Sink != nil {
		s.deps.Sink.Publish(eventsink.NewShareEvent(eventsink.ShareEvent{
			Address:    s.addressStr,
			WorkerName: s.workerName,
			PoolDiff:   s.vardiffState.Difficulty(),
			ShareDiff:  result.ShareDiff,
			Accepted:   true,
			IPAddress:  s.remoteAddr,
			JobID:      params.JobID,
		}))
	}
}

func (s *Session) onReject(result validator.Result, params protocol.SubmitParams) {
	if s.deps.Sink != nil {
		s.deps.Sink.Publish(eventsink.NewShareEvent(eventsink.ShareEvent{
			Address:      s.addressStr,
			WorkerName:   s.workerName,
			PoolDiff:     s.vardiffState.Difficulty(),
			ShareDiff:    result.ShareDiff,
			Accepted:     false,
			RejectReason: result.RejectReason,
			IPAddress:    s.remoteAddr,
			JobID:        params.JobID,
		}))
	}
	s.applyConsequence(s.bouncer.Reject())
}

// extensionHex is only meaningful in proxy mode: the bytes of this
// session's enonce1 that sit past the upstream-assigned prefix are what
// must be re-appended to the downstream enonce2 before forwarding.
func extensionHex(prefix []byte, full extranonce.Extranonce) string {
	if len(full) <= len(prefix) {
		return ""
	}
	return hex.EncodeToString(full[len(prefix):])
}

func serverVersionMaskParse(hexStr string) uint32 {
	if hexStr == "" {
		return 0
	}
	v, err := strconv.ParseUint(hexStr, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func (s *Session) applyConsequence(c bouncer.Consequence) {
	switch c {
	case bouncer.Warn:
		_ = s.sendNotification("client.show_message", []interface{}{"please check your miner configuration"})
	case bouncer.Reconnect:
		_ = s.sendNotification("client.reconnect", []interface{}{s.deps.ServerConfig.Host, s.deps.ServerConfig.Port, 10})
	case bouncer.Drop:
		s.close(fmt.Sprintf("bouncer dropped session after %d consecutive rejects", s.bouncer.ConsecutiveRejects()))
	}
}

// dispatchJob materializes a per-session job from wb and sends it. forceClean
// overrides wb.CleanJobs, used for the mandatory clean job sent right after
// subscribe.
func (s *Session) dispatchJob(wb *jobsource.Workbase, forceClean bool) error {
	if s.State() < StateSubscribed {
		return nil
	}

	coinb1, coinb2 := wb.Coinb1, wb.Coinb2
	if wb.IsPoolMode() {
		if s.minerAddress == nil {
			// Not yet authorized; nothing to pay out to, so the job cannot
			// be built. The next broadcast or the post-authorize dispatch
			// will pick it up once an address is known.
			return nil
		}
		built, err := coinbase.Build(coinbase.Params{
			Height:            wb.Height,
			Aux:               wb.CoinbaseAux,
			RewardValue:       wb.CoinbaseValue,
			MinerAddress:      s.minerAddress,
			WitnessCommitment: wb.WitnessCommitment,
			Enonce1:           s.enonce1,
			Enonce2Size:       s.enonce2Size,
			PoolSignature:     s.deps.MiningConfig.PoolSignature,
		})
		if err != nil {
			return fmt.Errorf("session: building coinbase: %w", err)
		}
		coinb1, coinb2 = built.Coinb1, built.Coinb2
	}

	job := validator.Job{
		JobID:          wb.JobID,
		PrevHash:       wb.PrevHash,
		Coinb1:         coinb1,
		Coinb2:         coinb2,
		MerkleBranches: wb.MerkleBranches,
		Version:        wb.Version,
		NBits:          wb.NBits,
	}
	s.rememberJob(wb.JobID, job, wb)

	notify := protocol.NotifyParams{
		JobID:          wb.JobID,
		PrevHash:       protocol.EncodePrevHash(wb.PrevHash),
		Coinb1:         coinb1,
		Coinb2:         coinb2,
		MerkleBranches: branchHexes(wb.MerkleBranches),
		Version:        fmt.Sprintf("%08x", wb.Version),
		NBits:          fmt.Sprintf("%08x", wb.NBits),
		NTime:          fmt.Sprintf("%08x", wb.NTime),
		CleanJobs:      wb.CleanJobs || forceClean,
	}
	return s.sendNotification("mining.notify", notify.Encode())
}

func branchHexes(branches [][32]byte) []string {
	out := make([]string, len(branches))
	for i, b := range branches {
		out[i] = hex.EncodeToString(b[:])
	}
	return out
}

func (s *Session) rememberJob(id string, job validator.Job, wb *jobsource.Workbase) {
	if _, exists := s.jobs[id]; !exists {
		s.jobOrd = append(s.jobOrd, id)
	}
	s.jobs[id] = fifoJob{job: job, wb: wb}

	limit := s.deps.MiningConfig.StaleJobThreshold
	if limit <= 0 {
		limit = 32
	}
	for len(s.jobOrd) > limit {
		oldest := s.jobOrd[0]
		s.jobOrd = s.jobOrd[1:]
		delete(s.jobs, oldest)
	}
}

func (s *Session) sendDifficulty(diff float64) error {
	return s.sendNotification("mining.set_difficulty", []interface{}{diff})
}

func (s *Session) sendResult(id json.RawMessage, result interface{}) error {
	line, err := protocol.EncodeResult(id, result)
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

func (s *Session) sendError(id json.RawMessage, code int, message string) error {
	line, err := protocol.EncodeError(id, protocol.NewError(code, message))
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

func (s *Session) sendStratumError(id json.RawMessage, err error) error {
	if se, ok := err.(*protocol.StratumError); ok {
		return s.sendError(id, se.Code, se.Message)
	}
	return s.sendError(id, protocol.ErrBadRequest, "Bad request")
}

func (s *Session) sendSubmitReject(id json.RawMessage, code int, reason string) error {
	line, err := protocol.EncodeSubmitReject(id, code, reason)
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

func (s *Session) sendNotification(method string, params interface{}) error {
	line, err := protocol.EncodeRequest(nil, method, params)
	if err != nil {
		return err
	}
	return s.writeLine(line)
}

func (s *Session) writeLine(line []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.deps.ServerConfig.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.deps.ServerConfig.WriteTimeout))
	}
	if _, err := s.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return s.writer.Flush()
}

// close tears the session down once, storing a resumable snapshot. The
// enonce1 is not released back to the allocator here, since the stored
// snapshot can still be resumed under it.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closeChan)

		if len(s.enonce1) > 0 {
			s.deps.Registry.Store(registry.Snapshot{
				Enonce1:           s.enonce1.String(),
				AuthorizedAddress: s.addressStr,
				WorkerName:        s.workerName,
				VersionMask:       s.versionMask,
				Enonce2Size:       s.enonce2Size,
			})
		}

		if s.deps.Redis != nil && s.workerName != "" {
			name := s.fullWorkerName()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.deps.Redis.RemoveOnlineWorker(ctx, name); err != nil {
					s.log.Warn("failed to clear worker heartbeat", zap.Error(err))
				}
			}()
		}

		s.conn.Close()
		s.log.Debug("session closed", zap.String("reason", reason))
	})
}
