// Package dexnow follows a DEXnow spot order book stored in a Solana
// instrument account. The account is fetched over JSON-RPC before every
// connection and then followed with accountSubscribe.
package dexnow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/book"
)

// Name is the venue name reported in BestPricesUpdate.
const Name = "dexnow"

var (
	ErrNoAccount      = errors.New("dexnow: no account configured for instrument")
	ErrAccountMissing = errors.New("dexnow: account not found")
)

// Config holds the DEXnow connection parameters.
type Config struct {
	WSURL  string
	RPCURL string

	// Commitment is the Solana commitment level, "confirmed" by default.
	Commitment    string
	AssetDecimals int32

	// Accounts maps a pair symbol (e.g. SOLUSDC) to the base58 public key of
	// its instrument dynamic account.
	Accounts map[string]string

	RPCTimeout time.Duration
	Options    adapter.Options
}

// Adapter is the DEXnow venue.
type Adapter struct {
	*adapter.Runner
	rpc *rpc.Client
}

// New dials the RPC endpoint and returns the venue. Close releases the RPC
// client.
func New(ctx context.Context, cfg Config, opts ...adapter.RunnerOption) (*Adapter, error) {
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}
	accounts := make(map[adapter.Pair]string, len(cfg.Accounts))
	for sym, key := range cfg.Accounts {
		pair, err := adapter.ParsePair(sym)
		if err != nil {
			return nil, fmt.Errorf("dexnow: accounts: %w", err)
		}
		if !ValidPubkey(key) {
			return nil, fmt.Errorf("dexnow: accounts: %s: invalid public key %q", sym, key)
		}
		accounts[pair] = key
	}

	client, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dexnow: dial rpc: %w", err)
	}

	p := &protocol{cfg: cfg, accounts: accounts, rpc: client}
	ro := cfg.Options
	ro.Ordered = true
	return &Adapter{Runner: adapter.NewRunner(Name, p, ro, opts...), rpc: client}, nil
}

// Close releases the RPC client.
func (a *Adapter) Close() {
	a.rpc.Close()
}

// --- Raw wire types ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsMessage is either a response to accountSubscribe or an
// accountNotification.
type wsMessage struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result       accountResult `json:"result"`
		Subscription uint64        `json:"subscription"`
	} `json:"params"`
}

type accountResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *struct {
		Data     accountData `json:"data"`
		Lamports uint64      `json:"lamports"`
		Owner    string      `json:"owner"`
	} `json:"value"`
}

type protocol struct {
	cfg      Config
	accounts map[adapter.Pair]string
	rpc      *rpc.Client

	// ping is the last probe payload. Probe runs on the session goroutine
	// only.
	ping uint8
}

func (p *protocol) account(instrument string) (string, error) {
	pair, err := adapter.ParsePair(instrument)
	if err != nil {
		return "", err
	}
	key, ok := p.accounts[pair]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAccount, pair)
	}
	return key, nil
}

func (p *protocol) Endpoint(instrument string) (string, error) {
	if _, err := p.account(instrument); err != nil {
		return "", err
	}
	return p.cfg.WSURL, nil
}

func (p *protocol) encodingParams() map[string]string {
	return map[string]string{"encoding": "base64", "commitment": p.cfg.Commitment}
}

// Refresh fetches the account with getAccountInfo. The result carries
// sequence 0 so it replaces the book whatever slot it was at.
func (p *protocol) Refresh(ctx context.Context, instrument string) (book.VenueUpdate, bool, error) {
	key, err := p.account(instrument)
	if err != nil {
		return book.VenueUpdate{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RPCTimeout)
	defer cancel()

	var res accountResult
	if err := p.rpc.CallContext(ctx, &res, "getAccountInfo", key, p.encodingParams()); err != nil {
		return book.VenueUpdate{}, false, fmt.Errorf("dexnow: getAccountInfo: %w", err)
	}
	if res.Value == nil {
		return book.VenueUpdate{}, false, fmt.Errorf("%w: %s", ErrAccountMissing, key)
	}
	u, err := p.snapshot(res.Value.Data, 0)
	if err != nil {
		return book.VenueUpdate{}, false, err
	}
	return u, true, nil
}

func (p *protocol) Subscribe(c *adapter.Conn, instrument string) error {
	key, err := p.account(instrument)
	if err != nil {
		return err
	}
	return c.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "accountSubscribe",
		Params:  []any{key, p.encodingParams()},
	})
}

// Probe sends a ping frame carrying a wrapping one-byte counter. Only a pong
// echoing the latest counter acknowledges.
func (p *protocol) Probe(c *adapter.Conn) error {
	p.ping++
	payload := []byte{p.ping}
	c.ExpectPong(payload)
	return c.WritePing(payload)
}

func (p *protocol) Decode(c *adapter.Conn, msg []byte) (book.VenueUpdate, bool, error) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return book.VenueUpdate{}, false, fmt.Errorf("dexnow: decode: %w", err)
	}

	switch {
	case m.Error != nil:
		return book.VenueUpdate{}, false, fmt.Errorf("%w: %d %s", adapter.ErrSubscribeRejected, m.Error.Code, m.Error.Message)
	case m.ID != nil && len(m.Result) > 0:
		return book.VenueUpdate{}, false, nil
	case m.Method == "accountNotification" && m.Params != nil:
		res := m.Params.Result
		if res.Value == nil {
			return book.VenueUpdate{}, false, fmt.Errorf("%w: notification without value", ErrAccountMissing)
		}
		u, err := p.snapshot(res.Value.Data, res.Context.Slot)
		if err != nil {
			return book.VenueUpdate{}, false, err
		}
		return u, true, nil
	default:
		return book.VenueUpdate{}, false, fmt.Errorf("dexnow: unrecognised message: %.128s", msg)
	}
}

// snapshot decodes account data into a full replacement at slot. The
// account has no clock, so the event time is the receipt time.
func (p *protocol) snapshot(data []byte, slot uint64) (book.VenueUpdate, error) {
	acc, err := DecodeAccount(data, p.cfg.AssetDecimals)
	if err != nil {
		return book.VenueUpdate{}, err
	}
	return book.VenueUpdate{
		Kind:      book.Snapshot,
		Sequence:  slot,
		EventTime: time.Now(),
		Bids:      acc.Bids,
		Asks:      acc.Asks,
	}, nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidPubkey reports whether s looks like a base58 Solana public key.
func ValidPubkey(s string) bool {
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}
