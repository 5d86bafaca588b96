package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
)

// TypeAuditBundle is the envelope type of a published evidence pack.
const TypeAuditBundle = "evidence/audit-bundle"

// MaxPackSize bounds a single evidence pack.
const MaxPackSize = 64 << 20

// Envelope describes a published evidence pack. It is stored next to the
// pack and addressed by its own digest.
type Envelope struct {
	Type          string    `json:"type"`
	SchemaVersion string    `json:"schema_version"`
	ProducerID    string    `json:"producer_id"`
	Timestamp     time.Time `json:"timestamp"`
	PackDigest    string    `json:"pack_digest"`
	BundleID      string    `json:"bundle_id"`
	BundleHash    string    `json:"bundle_hash"`
	ChainHead     string    `json:"chain_head"`
	StartSeq      uint64    `json:"start_sequence"`
	EndSeq        uint64    `json:"end_sequence"`
	EntryCount    int       `json:"entry_count"`
}

// Publisher writes evidence packs and their envelopes to a Store.
type Publisher struct {
	store    Store
	producer string
	clock    func() time.Time
}

// NewPublisher creates a Publisher. producer is stamped on each envelope.
func NewPublisher(store Store, producer string) *Publisher {
	return &Publisher{store: store, producer: producer, clock: time.Now}
}

// Publish packs b, stores the pack and its envelope, and returns the
// envelope digest.
func (p *Publisher) Publish(ctx context.Context, b *audit.Bundle) (string, *Envelope, error) {
	if b == nil {
		return "", nil, errors.New("artifacts: nil bundle")
	}
	pack, _, err := audit.Pack(b)
	if err != nil {
		return "", nil, err
	}
	if len(pack) > MaxPackSize {
		return "", nil, fmt.Errorf("artifacts: evidence pack exceeds limit of %d bytes", MaxPackSize)
	}
	packDigest, err := p.store.Put(ctx, pack)
	if err != nil {
		return "", nil, fmt.Errorf("artifacts: store pack: %w", err)
	}

	env := &Envelope{
		Type:          TypeAuditBundle,
		SchemaVersion: "v1",
		ProducerID:    p.producer,
		Timestamp:     p.clock().UTC(),
		PackDigest:    packDigest,
		BundleID:      b.BundleID,
		BundleHash:    b.BundleHash,
		ChainHead:     b.ChainHead,
		StartSeq:      b.StartSeq,
		EndSeq:        b.EndSeq,
		EntryCount:    b.EntryCount,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("artifacts: marshal envelope: %w", err)
	}
	digest, err := p.store.Put(ctx, data)
	if err != nil {
		return "", nil, fmt.Errorf("artifacts: store envelope: %w", err)
	}
	return digest, env, nil
}

// Fetch loads an envelope and its pack, and verifies the bundle against the
// envelope. A bundle that fails verification is returned with the error.
func (p *Publisher) Fetch(ctx context.Context, digest string) (*Envelope, *audit.Bundle, error) {
	data, err := p.store.Get(ctx, digest)
	if err != nil {
		return nil, nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("artifacts: corrupt envelope: %w", err)
	}
	if env.Type != TypeAuditBundle {
		return &env, nil, fmt.Errorf("artifacts: unexpected envelope type %q", env.Type)
	}
	pack, err := p.store.Get(ctx, env.PackDigest)
	if err != nil {
		return &env, nil, err
	}
	b, err := audit.Unpack(pack)
	if err != nil {
		return &env, nil, err
	}
	if err := audit.VerifyBundle(b); err != nil {
		return &env, b, err
	}
	if b.BundleHash != env.BundleHash || b.ChainHead != env.ChainHead {
		return &env, b, fmt.Errorf("%w: bundle does not match envelope", audit.ErrIntegrity)
	}
	return &env, b, nil
}
