package auditledger

import (
	"fmt"
	"math"
	"time"
)

// GenesisPrevHash is the sentinel previous hash of the genesis block.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// genesisEvent is the fixed payload sealed into every genesis block.
var genesisEvent = Payload{"event": "GENESIS"}

// Payload is the audit fact carried by a block. The ledger never interprets
// it; it is only serialised and hashed.
type Payload map[string]any

// Block is one sealed unit of the ledger. A Block returned by the Ledger is a
// copy; mutating it does not affect the chain.
type Block struct {
	Index        int     `json:"index"`
	Timestamp    float64 `json:"timestamp"` // unix seconds, microsecond resolution
	PreviousHash string  `json:"previousHash"`
	Payload      Payload `json:"payload"`
	Nonce        uint64  `json:"nonce"`
	Hash         string  `json:"hash"`

	// undecodable marks a block loaded from a row whose payload JSON could
	// not be parsed; it can never verify.
	undecodable bool
}

// Time returns the block timestamp as a UTC time.Time.
func (b *Block) Time() time.Time {
	sec, frac := math.Modf(b.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

// IsGenesis reports whether b sits at index 0.
func (b *Block) IsGenesis() bool { return b.Index == 0 }

// Draft is a block whose nonce and hash have not been chosen yet.
type Draft struct {
	Index        int
	Timestamp    float64
	PreviousHash string
	Payload      Payload
}

// Seal mines the draft at the given difficulty and returns the sealed Block.
// It is the only transition from Draft to Block.
func (d Draft) Seal(difficulty int) (*Block, error) {
	return d.seal(difficulty, nil)
}

// seal is Seal with a stop channel that abandons the nonce search.
func (d Draft) seal(difficulty int, stop <-chan struct{}) (*Block, error) {
	canon, payload, err := normalizePayload(d.Payload)
	if err != nil {
		return nil, err
	}
	nonce, hash, err := mineCanonical(d.Index, d.Timestamp, d.PreviousHash, canon, difficulty, stop)
	if err != nil {
		return nil, err
	}
	return &Block{
		Index:        d.Index,
		Timestamp:    d.Timestamp,
		PreviousHash: d.PreviousHash,
		Payload:      payload,
		Nonce:        nonce,
		Hash:         hash,
	}, nil
}

// GenesisDraft returns the draft of a genesis block for a chain started at ts.
func GenesisDraft(ts time.Time) Draft {
	return Draft{
		Index:        0,
		Timestamp:    timestampOf(ts),
		PreviousHash: GenesisPrevHash,
		Payload:      genesisEvent,
	}
}

// timestampOf truncates t to microseconds so the float64 value survives a
// round trip through a REAL/DOUBLE PRECISION column unchanged.
func timestampOf(t time.Time) float64 {
	us := t.UnixMicro()
	return float64(us/1e6) + float64(us%1e6)/1e6
}

// Row is the durable, one-row-per-block form of a Block.
type Row struct {
	Index        int     `json:"index"`
	Timestamp    float64 `json:"timestamp"`
	PreviousHash string  `json:"previousHash"`
	PayloadJSON  string  `json:"payloadJson"`
	Nonce        uint64  `json:"nonce"`
	Hash         string  `json:"hash"`
}

// Row converts b to its durable form.
func (b *Block) Row() (Row, error) {
	canon, err := CanonicalPayload(b.Payload)
	if err != nil {
		return Row{}, err
	}
	return Row{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
		PayloadJSON:  string(canon),
		Nonce:        b.Nonce,
		Hash:         b.Hash,
	}, nil
}

// BlockFromRow rebuilds a Block from its durable form. It does not verify it.
func BlockFromRow(r Row) (*Block, error) {
	payload, err := decodePayload([]byte(r.PayloadJSON))
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", r.Index, err)
	}
	return &Block{
		Index:        r.Index,
		Timestamp:    r.Timestamp,
		PreviousHash: r.PreviousHash,
		Payload:      payload,
		Nonce:        r.Nonce,
		Hash:         r.Hash,
	}, nil
}

// clone returns a copy of b that shares no mutable state with it.
func (b *Block) clone() *Block {
	cp := *b
	cp.Payload = clonePayload(b.Payload)
	return &cp
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
