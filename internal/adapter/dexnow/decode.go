package dexnow

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbiter/internal/book"
)

// Instrument dynamic account layout.
const (
	instrIDOffset = 40
	bidsOffset    = 384
	asksOffset    = 704

	// MarketDepth is the number of price lines stored per side.
	MarketDepth = 20
	lineSize    = 16

	accountSize = asksOffset + MarketDepth*lineSize

	// Prices are fixed point with nine decimals.
	priceExp = -9
)

var ErrShortAccount = errors.New("dexnow: account data too short")

// Account is the decoded order book part of an instrument dynamic account.
type Account struct {
	InstrumentID uint32
	Bids         []book.Level
	Asks         []book.Level
}

// DecodeAccount reads both sides of the book from raw account data. Each
// side holds up to MarketDepth {px int64, qty int64} little-endian lines
// and ends at the first zero price. Quantities are scaled by
// 10^assetDecimals.
func DecodeAccount(data []byte, assetDecimals int32) (Account, error) {
	if len(data) < accountSize {
		return Account{}, fmt.Errorf("%w: %d < %d bytes", ErrShortAccount, len(data), accountSize)
	}
	bids, err := readSide(data, bidsOffset, assetDecimals)
	if err != nil {
		return Account{}, fmt.Errorf("dexnow: bids: %w", err)
	}
	asks, err := readSide(data, asksOffset, assetDecimals)
	if err != nil {
		return Account{}, fmt.Errorf("dexnow: asks: %w", err)
	}
	return Account{
		InstrumentID: binary.LittleEndian.Uint32(data[instrIDOffset:]),
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func readSide(data []byte, offset int, assetDecimals int32) ([]book.Level, error) {
	var levels []book.Level
	for i := 0; i < MarketDepth; i++ {
		off := offset + i*lineSize
		px := int64(binary.LittleEndian.Uint64(data[off:]))
		if px == 0 {
			break
		}
		qty := int64(binary.LittleEndian.Uint64(data[off+8:]))
		if px < 0 || qty < 0 {
			return nil, fmt.Errorf("line %d: negative px %d or qty %d", i, px, qty)
		}
		price, _ := decimal.New(px, priceExp).Float64()
		volume, _ := decimal.New(qty, -assetDecimals).Float64()
		levels = append(levels, book.Level{Price: price, Volume: volume})
	}
	return levels, nil
}

// EncodeLine writes one {px, qty} line at offset, the inverse of readSide.
// Used to build fixtures.
func EncodeLine(data []byte, offset int, px, qty int64) {
	binary.LittleEndian.PutUint64(data[offset:], uint64(px))
	binary.LittleEndian.PutUint64(data[offset+8:], uint64(qty))
}

// accountData is Solana's encoded account data. RPC nodes send it as
// ["<payload>", "<encoding>"]; the object form {"data","encoding"} is also
// accepted.
type accountData []byte

func (d *accountData) UnmarshalJSON(b []byte) error {
	var payload, encoding string
	b = bytes.TrimSpace(b)
	switch {
	case len(b) > 0 && b[0] == '[':
		var pair []string
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("dexnow: account data: expected [payload, encoding], got %d elements", len(pair))
		}
		payload, encoding = pair[0], pair[1]
	case len(b) > 0 && b[0] == '{':
		var obj struct {
			Data     string `json:"data"`
			Encoding string `json:"encoding"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		payload, encoding = obj.Data, obj.Encoding
	default:
		return fmt.Errorf("dexnow: account data: unexpected JSON %.32s", b)
	}

	if encoding != "base64" {
		return fmt.Errorf("dexnow: account data: unsupported encoding %q", encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("dexnow: account data: %w", err)
	}
	*d = raw
	return nil
}
