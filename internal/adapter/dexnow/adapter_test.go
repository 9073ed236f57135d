package dexnow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/book"
)

const testAccount = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

// buildAccount lays out lines the way the on-chain program does. Prices are
// given with nine decimals, quantities with six.
func buildAccount(instrID uint32, bids, asks [][2]int64) []byte {
	data := make([]byte, accountSize+64)
	data[instrIDOffset] = byte(instrID)
	data[instrIDOffset+1] = byte(instrID >> 8)
	for i, l := range bids {
		EncodeLine(data, bidsOffset+i*lineSize, l[0], l[1])
	}
	for i, l := range asks {
		EncodeLine(data, asksOffset+i*lineSize, l[0], l[1])
	}
	return data
}

func notification(slot uint64, data []byte) []byte {
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"accountNotification","params":{"result":{"context":{"slot":%d},"value":{"data":[%q,"base64"],"executable":false,"lamports":33594,"owner":"11111111111111111111111111111111","rentEpoch":635,"space":%d}},"subscription":23784}}`,
		slot, base64.StdEncoding.EncodeToString(data), len(data))
	return []byte(msg)
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testConn(t *testing.T) *adapter.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := adapter.Dial(ctx, wsURL(srv), adapter.DialOptions{HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// rpcServer answers getAccountInfo with data, echoing the request id.
func rpcServer(t *testing.T, data func() []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "getAccountInfo" || len(req.Params) != 2 {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"Method not found"}}`, req.ID)
			return
		}
		raw := data()
		if raw == nil {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"context":{"slot":1},"value":null}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"context":{"slot":77},"value":{"data":[%q,"base64"],"executable":false,"lamports":1,"owner":"x","rentEpoch":0}}}`,
			req.ID, base64.StdEncoding.EncodeToString(raw))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDecodeAccount(t *testing.T) {
	data := buildAccount(513,
		[][2]int64{{150_500_000_000, 2_500_000}, {150_000_000_000, 1_000_000}},
		[][2]int64{{151_000_000_000, 3_000_000}},
	)
	// A line after the zero-price terminator is ignored.
	EncodeLine(data, bidsOffset+3*lineSize, 1_000_000_000, 1)

	acc, err := DecodeAccount(data, 6)
	if err != nil {
		t.Fatalf("DecodeAccount: %v", err)
	}
	if acc.InstrumentID != 513 {
		t.Fatalf("expected instrument 513, got %d", acc.InstrumentID)
	}
	wantBids := []book.Level{{Price: 150.5, Volume: 2.5}, {Price: 150, Volume: 1}}
	if len(acc.Bids) != 2 || acc.Bids[0] != wantBids[0] || acc.Bids[1] != wantBids[1] {
		t.Fatalf("bids: want %v, got %v", wantBids, acc.Bids)
	}
	if len(acc.Asks) != 1 || acc.Asks[0] != (book.Level{Price: 151, Volume: 3}) {
		t.Fatalf("unexpected asks: %v", acc.Asks)
	}
}

func TestDecodeAccount_FullDepth(t *testing.T) {
	var bids [][2]int64
	for i := 0; i < MarketDepth; i++ {
		bids = append(bids, [2]int64{int64(100-i) * 1_000_000_000, 1})
	}
	acc, err := DecodeAccount(buildAccount(1, bids, nil), 0)
	if err != nil {
		t.Fatalf("DecodeAccount: %v", err)
	}
	if len(acc.Bids) != MarketDepth || len(acc.Asks) != 0 {
		t.Fatalf("expected %d bids and no asks, got %d/%d", MarketDepth, len(acc.Bids), len(acc.Asks))
	}
}

func TestDecodeAccount_Invalid(t *testing.T) {
	if _, err := DecodeAccount(make([]byte, 100), 6); !errors.Is(err, ErrShortAccount) {
		t.Fatalf("expected ErrShortAccount, got %v", err)
	}
	data := buildAccount(1, [][2]int64{{-5, 1}}, nil)
	if _, err := DecodeAccount(data, 6); err == nil {
		t.Fatal("expected error for negative price")
	}
}

func TestAccountData_Unmarshal(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})

	var d accountData
	if err := json.Unmarshal([]byte(fmt.Sprintf(`[%q,"base64"]`, payload)), &d); err != nil {
		t.Fatalf("array form: %v", err)
	}
	if string(d) != "\x01\x02\x03" {
		t.Fatalf("unexpected bytes: %v", []byte(d))
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(`{"data":%q,"encoding":"base64"}`, payload)), &d); err != nil {
		t.Fatalf("object form: %v", err)
	}
	if err := json.Unmarshal([]byte(`["abc","base58"]`), &d); err == nil {
		t.Fatal("expected error for base58 encoding")
	}
	if err := json.Unmarshal([]byte(`"abc"`), &d); err == nil {
		t.Fatal("expected error for bare string")
	}
}

func TestDecode_Messages(t *testing.T) {
	p := &protocol{cfg: Config{AssetDecimals: 6}}
	c := testConn(t)

	data := buildAccount(1, [][2]int64{{20_000_000_000, 1_000_000}}, [][2]int64{{21_000_000_000, 2_000_000}})
	before := time.Now()
	u, ok, err := p.Decode(c, notification(5199307, data))
	if err != nil || !ok {
		t.Fatalf("notification: ok=%v err=%v", ok, err)
	}
	if u.Kind != book.Snapshot || u.Sequence != 5199307 {
		t.Fatalf("expected snapshot at slot 5199307, got %v %d", u.Kind, u.Sequence)
	}
	if u.EventTime.Before(before) {
		t.Fatalf("expected receipt time as event time, got %v", u.EventTime)
	}
	if len(u.Bids) != 1 || u.Bids[0].Price != 20 || u.Asks[0].Volume != 2 {
		t.Fatalf("unexpected levels: %v / %v", u.Bids, u.Asks)
	}

	if _, ok, err := p.Decode(c, []byte(`{"jsonrpc":"2.0","result":23784,"id":1}`)); err != nil || ok {
		t.Fatalf("subscribe response: ok=%v err=%v", ok, err)
	}

	rejected := []byte(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid param: WrongSize"},"id":1}`)
	if _, _, err := p.Decode(c, rejected); !errors.Is(err, adapter.ErrSubscribeRejected) {
		t.Fatalf("expected ErrSubscribeRejected, got %v", err)
	}

	for _, raw := range []string{`{`, `{"jsonrpc":"2.0","method":"slotNotification","params":{}}`} {
		if _, ok, err := p.Decode(c, []byte(raw)); err == nil || ok {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestProbe_WrapsCounter(t *testing.T) {
	p := &protocol{ping: 254}
	c := testConn(t)
	for _, want := range []uint8{255, 0, 1} {
		if err := p.Probe(c); err != nil {
			t.Fatalf("Probe: %v", err)
		}
		if p.ping != want {
			t.Fatalf("expected counter %d, got %d", want, p.ping)
		}
	}
}

func TestRefresh(t *testing.T) {
	data := buildAccount(1, [][2]int64{{9_000_000_000, 1_000_000}}, nil)
	var missing atomic.Bool
	rpcSrv, calls := rpcServer(t, func() []byte {
		if missing.Load() {
			return nil
		}
		return data
	})

	a, err := New(context.Background(), Config{
		RPCURL:        rpcSrv.URL,
		AssetDecimals: 6,
		Accounts:      map[string]string{"SOLUSDC": testAccount},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	p := &protocol{cfg: Config{AssetDecimals: 6, Commitment: "confirmed", RPCTimeout: time.Second},
		accounts: map[adapter.Pair]string{adapter.SOLUSDC: testAccount}, rpc: a.rpc}

	u, ok, err := p.Refresh(context.Background(), "SOLUSDC")
	if err != nil || !ok {
		t.Fatalf("Refresh: ok=%v err=%v", ok, err)
	}
	if u.Sequence != 0 || u.Kind != book.Snapshot {
		t.Fatalf("refresh must be a slot-0 snapshot, got %v %d", u.Kind, u.Sequence)
	}
	if len(u.Bids) != 1 || u.Bids[0].Price != 9 {
		t.Fatalf("unexpected bids: %v", u.Bids)
	}

	missing.Store(true)
	if _, _, err := p.Refresh(context.Background(), "SOLUSDC"); !errors.Is(err, ErrAccountMissing) {
		t.Fatalf("expected ErrAccountMissing, got %v", err)
	}
	if _, _, err := p.Refresh(context.Background(), "BTCUSDC"); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 rpc calls, got %d", calls.Load())
	}
}

func TestNew_RejectsBadAccounts(t *testing.T) {
	if _, err := New(context.Background(), Config{RPCURL: "http://127.0.0.1:1", Accounts: map[string]string{"DOGEUSDC": testAccount}}); err == nil {
		t.Fatal("expected error for unknown pair")
	}
	if _, err := New(context.Background(), Config{RPCURL: "http://127.0.0.1:1", Accounts: map[string]string{"SOLUSDC": "not-a-key"}}); err == nil {
		t.Fatal("expected error for invalid public key")
	}
}

// wsServer accepts accountSubscribe and then sends the given slots.
// echoPings selects whether pongs echo the ping payload.
func wsServer(t *testing.T, slots []uint64, echoPings bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		conns.Add(1)

		c.SetPingHandler(func(appData string) error {
			payload := []byte(appData)
			if !echoPings && len(payload) > 0 {
				payload[0]++
			}
			return c.WriteControl(websocket.PongMessage, payload, time.Now().Add(time.Second))
		})

		var req rpcRequest
		if err := c.ReadJSON(&req); err != nil || req.Method != "accountSubscribe" {
			return
		}
		if key, _ := req.Params[0].(string); key != testAccount {
			return
		}
		c.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":23784,"id":1}`))
		for _, slot := range slots {
			px := int64(slot) * 1_000_000_000
			c.WriteMessage(websocket.TextMessage, notification(slot, buildAccount(1, [][2]int64{{px, 1_000_000}}, nil)))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func newTestAdapter(t *testing.T, wsURL, rpcURL string, pongTimeout time.Duration) *Adapter {
	t.Helper()
	a, err := New(context.Background(), Config{
		WSURL:         wsURL,
		RPCURL:        rpcURL,
		AssetDecimals: 6,
		Accounts:      map[string]string{"SOLUSDC": testAccount},
		Options: adapter.Options{
			PingInterval:   20 * time.Millisecond,
			PongTimeout:    pongTimeout,
			ReconnectDelay: 20 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAdapter_RefreshThenOrderedSlots(t *testing.T) {
	rpcSrv, _ := rpcServer(t, func() []byte {
		return buildAccount(1, [][2]int64{{5_000_000_000, 1_000_000}}, nil)
	})
	wsSrv, conns := wsServer(t, []uint64{10, 9, 11}, true)

	a := newTestAdapter(t, wsURL(wsSrv), rpcSrv.URL, 200*time.Millisecond)
	var _ adapter.Venue = a

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan adapter.BestPricesUpdate, 10)
	go a.Stream(ctx, "SOLUSDC", out)

	// Refresh (5), slot 10, slot 11; slot 9 is stale.
	for _, want := range []float64{5, 10, 11} {
		select {
		case u := <-out:
			if u.Venue != Name || u.BestBid == nil || *u.BestBid != want {
				t.Fatalf("expected best bid %v, got %+v", want, u)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for best bid %v", want)
		}
	}
	select {
	case u := <-out:
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	// Echoed pongs keep the session alive.
	time.Sleep(400 * time.Millisecond)
	if conns.Load() != 1 || a.State() != adapter.Streaming {
		t.Fatalf("expected one streaming session, got %d connections, state %v", conns.Load(), a.State())
	}
	if seq := a.OrderBook().Snapshot().Sequence; seq != 11 {
		t.Fatalf("expected slot 11, got %d", seq)
	}
}

func TestAdapter_MismatchedPongReconnects(t *testing.T) {
	rpcSrv, calls := rpcServer(t, func() []byte {
		return buildAccount(1, [][2]int64{{5_000_000_000, 1_000_000}}, nil)
	})
	wsSrv, conns := wsServer(t, []uint64{10}, false)

	a := newTestAdapter(t, wsURL(wsSrv), rpcSrv.URL, 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan adapter.BestPricesUpdate, 64)
	go a.Stream(ctx, "SOLUSDC", out)

	deadline := time.After(3 * time.Second)
	for conns.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for keepalive reconnect")
		case <-out:
		case <-time.After(10 * time.Millisecond):
		}
	}
	// Every session starts with a fresh RPC refresh.
	if calls.Load() < 2 {
		t.Fatalf("expected a refresh per session, got %d", calls.Load())
	}
}

func TestValidPubkey(t *testing.T) {
	if !ValidPubkey(testAccount) {
		t.Fatalf("%s should be valid", testAccount)
	}
	for _, s := range []string{"", "short", strings.Repeat("1", 45), "0OIl" + testAccount[4:]} {
		if ValidPubkey(s) {
			t.Fatalf("%q should be invalid", s)
		}
	}
}
