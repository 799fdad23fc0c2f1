package wallet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Unit is the denomination a Cashu token is issued in.
type Unit int

const (
	UnitSat Unit = iota
	UnitMsat
)

func (u Unit) String() string {
	switch u {
	case UnitMsat:
		return "msat"
	default:
		return "sat"
	}
}

func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sat":
		return UnitSat, nil
	case "msat":
		return UnitMsat, nil
	default:
		return UnitSat, fmt.Errorf("%w: unknown unit %q", ErrInvalidToken, s)
	}
}

// ToMsat converts an amount in this unit to msat.
func (u Unit) ToMsat(amount int64) int64 {
	if u == UnitSat {
		return amount * 1000
	}
	return amount
}

// FromMsat converts msat to this unit, rounding down so the holder is
// never over-credited.
func (u Unit) FromMsat(msat int64) int64 {
	if u == UnitSat {
		return msat / 1000
	}
	return msat
}

// TokenInfo is what local inspection of a bearer token yields: the
// claimed amount in the token's unit and the issuing mint. Redemption
// remains the authoritative source of value.
type TokenInfo struct {
	Amount  int64
	Unit    Unit
	MintURL string
}

// AmountMsat returns the claimed amount converted to msat.
func (t TokenInfo) AmountMsat() int64 {
	return t.Unit.ToMsat(t.Amount)
}

const (
	tokenV3Prefix = "cashuA"
	tokenV4Prefix = "cashuB"
)

// V3 serialisation: base64url JSON.
type tokenV3 struct {
	Token []tokenV3Entry `json:"token"`
	Unit  string         `json:"unit"`
	Memo  string         `json:"memo"`
}

type tokenV3Entry struct {
	Mint   string `json:"mint"`
	Proofs []struct {
		Amount int64 `json:"amount"`
	} `json:"proofs"`
}

// V4 serialisation: base64url CBOR with single-letter keys.
type tokenV4 struct {
	Mint  string         `cbor:"m"`
	Unit  string         `cbor:"u"`
	Memo  string         `cbor:"d"`
	Token []tokenV4Entry `cbor:"t"`
}

type tokenV4Entry struct {
	KeysetID []byte         `cbor:"i"`
	Proofs   []tokenV4Proof `cbor:"p"`
}

type tokenV4Proof struct {
	Amount int64  `cbor:"a"`
	Secret string `cbor:"s"`
	C      []byte `cbor:"c"`
}

func decodeBase64Token(payload string) ([]byte, error) {
	trimmed := strings.TrimRight(payload, "=")
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err == nil {
		return raw, nil
	}
	// Some wallets emit standard base64.
	return base64.RawStdEncoding.DecodeString(trimmed)
}

// DecodeToken parses a serialised Cashu token without contacting any
// mint. Both the V3 (cashuA, JSON) and V4 (cashuB, CBOR) encodings are
// understood.
func DecodeToken(raw string) (TokenInfo, error) {
	raw = strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(raw, tokenV4Prefix):
		payload, err := decodeBase64Token(raw[len(tokenV4Prefix):])
		if err != nil {
			return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return decodeTokenV4(payload)

	case strings.HasPrefix(raw, tokenV3Prefix):
		payload, err := decodeBase64Token(raw[len(tokenV3Prefix):])
		if err != nil {
			return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return decodeTokenV3(payload)

	default:
		return TokenInfo{}, fmt.Errorf("%w: missing cashu prefix", ErrInvalidToken)
	}
}

func decodeTokenV3(payload []byte) (TokenInfo, error) {
	var tok tokenV3
	if err := json.Unmarshal(payload, &tok); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(tok.Token) == 0 {
		return TokenInfo{}, fmt.Errorf("%w: no token entries", ErrInvalidToken)
	}

	unit, err := ParseUnit(tok.Unit)
	if err != nil {
		return TokenInfo{}, err
	}

	info := TokenInfo{Unit: unit, MintURL: tok.Token[0].Mint}
	for _, entry := range tok.Token {
		for _, proof := range entry.Proofs {
			info.Amount += proof.Amount
		}
	}
	if info.Amount <= 0 {
		return TokenInfo{}, fmt.Errorf("%w: zero amount", ErrInvalidToken)
	}
	return info, nil
}

func decodeTokenV4(payload []byte) (TokenInfo, error) {
	var tok tokenV4
	if err := cbor.Unmarshal(payload, &tok); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(tok.Token) == 0 {
		return TokenInfo{}, fmt.Errorf("%w: no token entries", ErrInvalidToken)
	}

	unit, err := ParseUnit(tok.Unit)
	if err != nil {
		return TokenInfo{}, err
	}

	info := TokenInfo{Unit: unit, MintURL: tok.Mint}
	for _, entry := range tok.Token {
		for _, proof := range entry.Proofs {
			info.Amount += proof.Amount
		}
	}
	if info.Amount <= 0 {
		return TokenInfo{}, fmt.Errorf("%w: zero amount", ErrInvalidToken)
	}
	return info, nil
}
