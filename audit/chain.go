package audit

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// GenesisHash is the prev_hash of the first entry of every SOA.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by Verify when an entry does not link to its predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

// ComputeHash returns the hex BLAKE3 digest of prev_hash followed by the
// canonical encoding of the entry. Timestamps are truncated to microseconds
// because that is what Postgres stores.
func ComputeHash(prevHash string, e Entry) (string, error) {
	var actor string
	if e.ActorID != nil {
		actor = *e.ActorID
	}
	meta, err := canonicalJSON(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit: canonical metadata: %w", err)
	}
	body, err := json.Marshal(struct {
		SOAID     string          `json:"soa_id"`
		Seq       int             `json:"seq"`
		Action    Action          `json:"action"`
		ActorID   string          `json:"actor_id"`
		ActorKind ActorKind       `json:"actor_kind"`
		Metadata  json.RawMessage `json:"metadata"`
		CreatedAt string          `json:"created_at"`
	}{
		SOAID:     e.SOAID,
		Seq:       e.Seq,
		Action:    e.Action,
		ActorID:   actor,
		ActorKind: e.ActorKind,
		Metadata:  meta,
		CreatedAt: e.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry: %w", err)
	}

	h := blake3.New()
	_, _ = h.Write([]byte(prevHash))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify walks entries in seq order and checks every link. It returns the
// seq of the first bad entry alongside ErrChainBroken.
func Verify(entries []Entry) (int, error) {
	prev := GenesisHash
	for i, e := range entries {
		if e.Seq != i+1 {
			return e.Seq, fmt.Errorf("%w: seq %d at position %d", ErrChainBroken, e.Seq, i)
		}
		if e.PrevHash != prev {
			return e.Seq, fmt.Errorf("%w: seq %d prev_hash mismatch", ErrChainBroken, e.Seq)
		}
		want, err := ComputeHash(prev, e)
		if err != nil {
			return e.Seq, err
		}
		if want != e.Hash {
			return e.Seq, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Hash
	}
	return 0, nil
}

// canonicalJSON round-trips v through a generic value so the bytes match what
// comes back out of a jsonb column.
func canonicalJSON(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
