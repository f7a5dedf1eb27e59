// Package bitcoinrpc wraps a Bitcoin Core JSON-RPC connection with the
// cookie/userpass auth, chain-match verification, and warm-up retry that
// pool mode's job source needs to talk to a node.
package bitcoinrpc

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"
)

// Config describes how to reach and authenticate to a node.
type Config struct {
	Host       string
	User       string
	Password   string
	CookiePath string
	Chain      string // expected chain name: mainnet, testnet, signet, regtest
}

// Client is a thin wrapper over rpcclient.Client adding the getblocktemplate
// and submitblock calls a mining pool needs, plus warm-up retry and a
// chain-mismatch guard performed once at startup.
type Client struct {
	rpc    *rpcclient.Client
	log    *zap.Logger
	cfg    Config
}

// warmupErrorCode is Bitcoin Core's RPC_IN_WARMUP error code, returned while
// the node is still loading the block index.
const warmupErrorCode = -28

// warmupRetryBudget bounds how long Connect waits for a warming-up node.
const warmupRetryBudget = 10 * time.Second

// Connect establishes the RPC connection, retrying while the node reports
// RPC_IN_WARMUP, and fails fast on a chain mismatch between cfg.Chain and
// what the node reports.
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	auth, err := resolveAuth(cfg)
	if err != nil {
		return nil, err
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         auth.user,
		Pass:         auth.pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoinrpc: connecting to %s: %w", cfg.Host, err)
	}

	c := &Client{rpc: rpc, log: log, cfg: cfg}

	deadline := time.Now().Add(warmupRetryBudget)
	var info *btcjson.GetBlockChainInfoResult
	for {
		info, err = rpc.GetBlockChainInfo()
		if err == nil {
			break
		}
		if !isWarmingUp(err) || time.Now().After(deadline) {
			rpc.Shutdown()
			return nil, fmt.Errorf("bitcoinrpc: connecting to node at %s: %w", cfg.Host, err)
		}
		log.Warn("bitcoin node warming up, retrying", zap.Error(err))
		time.Sleep(200 * time.Millisecond)
	}

	if cfg.Chain != "" && !strings.EqualFold(info.Chain, cfg.Chain) {
		rpc.Shutdown()
		return nil, fmt.Errorf("bitcoinrpc: node is on chain %q but configured for %q", info.Chain, cfg.Chain)
	}

	return c, nil
}

type auth struct {
	user string
	pass string
}

func resolveAuth(cfg Config) (auth, error) {
	if cfg.User != "" {
		return auth{user: cfg.User, pass: cfg.Password}, nil
	}
	if cfg.CookiePath == "" {
		return auth{}, fmt.Errorf("bitcoinrpc: no username/password and no cookie path configured")
	}
	raw, err := os.ReadFile(cfg.CookiePath)
	if err != nil {
		return auth{}, fmt.Errorf("bitcoinrpc: reading cookie file %s: %w", cfg.CookiePath, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
	if len(parts) != 2 {
		return auth{}, fmt.Errorf("bitcoinrpc: malformed cookie file %s", cfg.CookiePath)
	}
	return auth{user: parts[0], pass: parts[1]}, nil
}

func isWarmingUp(err error) bool {
	rpcErr, ok := err.(*btcjson.RPCError)
	return ok && rpcErr.Code == warmupErrorCode
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Shutdown()
}

// BlockTemplate mirrors the subset of Bitcoin Core's getblocktemplate result
// a job source needs to build a Workbase.
type BlockTemplate struct {
	Version           int32                  `json:"version"`
	PreviousBlockHash string                 `json:"previousblockhash"`
	Transactions      []TemplateTransaction  `json:"transactions"`
	CoinbaseAux       map[string]string      `json:"coinbaseaux"`
	CoinbaseValue     int64                  `json:"coinbasevalue"`
	Target            string                 `json:"target"`
	MinTime           int64                  `json:"mintime"`
	Mutable           []string               `json:"mutable"`
	NonceRange        string                 `json:"noncerange"`
	SigOpLimit        int64                  `json:"sigoplimit"`
	SizeLimit         int64                  `json:"sizelimit"`
	WeightLimit       int64                  `json:"weightlimit"`
	CurTime           int64                  `json:"curtime"`
	Bits              string                 `json:"bits"`
	Height            int64                  `json:"height"`
	DefaultWitnessCommitment string          `json:"default_witness_commitment"`
}

// TemplateTransaction is one non-coinbase transaction Bitcoin Core proposes
// for inclusion.
type TemplateTransaction struct {
	Data    string  `json:"data"`
	TxID    string  `json:"txid"`
	Hash    string  `json:"hash"`
	Depends []int64 `json:"depends"`
	Fee     int64   `json:"fee"`
	SigOps  int64   `json:"sigops"`
	Weight  int64   `json:"weight"`
}

// GetBlockTemplate requests a template with the capabilities and rules a
// segwit-aware pool needs, adding "signet" when running on signet.
func (c *Client) GetBlockTemplate(signet bool) (*BlockTemplate, error) {
	rules := []string{"segwit"}
	if signet {
		rules = append(rules, "signet")
	}

	req := struct {
		Capabilities []string `json:"capabilities"`
		Rules        []string `json:"rules"`
	}{
		Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
		Rules:        rules,
	}

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bitcoinrpc: marshaling getblocktemplate request: %w", err)
	}

	raw, err := c.rpc.RawRequest("getblocktemplate", []json.RawMessage{reqBytes})
	if err != nil {
		return nil, fmt.Errorf("bitcoinrpc: getblocktemplate: %w", err)
	}

	var tmpl BlockTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("bitcoinrpc: decoding getblocktemplate result: %w", err)
	}
	return &tmpl, nil
}

// blockHeaderResult is the subset of a getblock (verbosity 1) result a
// confirmation watcher needs.
type blockHeaderResult struct {
	Confirmations int64 `json:"confirmations"`
}

// GetBlockConfirmations reports how many blocks have been mined on top of
// the given block hash. Bitcoin Core reports -1 when the hash is valid but
// sits on a side chain, i.e. the block was orphaned.
func (c *Client) GetBlockConfirmations(hash string) (int64, error) {
	hashArg, err := json.Marshal(hash)
	if err != nil {
		return 0, fmt.Errorf("bitcoinrpc: marshaling getblock hash: %w", err)
	}
	verbosity, _ := json.Marshal(1)

	raw, err := c.rpc.RawRequest("getblock", []json.RawMessage{hashArg, verbosity})
	if err != nil {
		return 0, fmt.Errorf("bitcoinrpc: getblock: %w", err)
	}
	return decodeBlockConfirmations(raw)
}

func decodeBlockConfirmations(raw json.RawMessage) (int64, error) {
	var result blockHeaderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("bitcoinrpc: decoding getblock result: %w", err)
	}
	return result.Confirmations, nil
}

// blockVerbose2Result is the subset of a getblock (verbosity 2) result
// needed to read a block's coinbase payout.
type blockVerbose2Result struct {
	Tx []struct {
		Vout []struct {
			Value float64 `json:"value"`
		} `json:"vout"`
	} `json:"tx"`
}

// GetBlockReward sums a block's coinbase transaction output values, in
// satoshis.
func (c *Client) GetBlockReward(hash string) (int64, error) {
	hashArg, err := json.Marshal(hash)
	if err != nil {
		return 0, fmt.Errorf("bitcoinrpc: marshaling getblock hash: %w", err)
	}
	verbosity, _ := json.Marshal(2)

	raw, err := c.rpc.RawRequest("getblock", []json.RawMessage{hashArg, verbosity})
	if err != nil {
		return 0, fmt.Errorf("bitcoinrpc: getblock: %w", err)
	}
	return decodeBlockReward(raw, hash)
}

func decodeBlockReward(raw json.RawMessage, hash string) (int64, error) {
	var result blockVerbose2Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("bitcoinrpc: decoding getblock result: %w", err)
	}
	if len(result.Tx) == 0 {
		return 0, fmt.Errorf("bitcoinrpc: block %s has no transactions", hash)
	}

	var total float64
	for _, vout := range result.Tx[0].Vout {
		total += vout.Value
	}
	return int64(total*1e8 + 0.5), nil
}

// SubmitBlock submits a fully assembled block's hex serialization. A nil
// return means the node accepted the block; otherwise the returned error
// wraps the node's rejection reason.
func (c *Client) SubmitBlock(blockHex string) error {
	arg, err := json.Marshal(blockHex)
	if err != nil {
		return fmt.Errorf("bitcoinrpc: marshaling submitblock argument: %w", err)
	}

	raw, err := c.rpc.RawRequest("submitblock", []json.RawMessage{arg})
	if err != nil {
		return fmt.Errorf("bitcoinrpc: submitblock: %w", err)
	}

	var reason *string
	if err := json.Unmarshal(raw, &reason); err != nil {
		return fmt.Errorf("bitcoinrpc: decoding submitblock result: %w", err)
	}
	if reason != nil && *reason != "" {
		return fmt.Errorf("bitcoinrpc: node rejected block: %s", *reason)
	}
	return nil
}
