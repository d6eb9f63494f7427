// ABOUTME: Envelope codec for persisted snapshots: sonic JSON, blake3 digest, schema check
// ABOUTME: Decode validates structure and integrity before the engine sees the document

package snapshot

import (
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/2389/fold-queue/internal/queue"
)

// FormatVersion is the envelope format written by this build. Decode rejects
// anything else; format bumps come with explicit migration code.
const FormatVersion = 1

// Envelope wraps a snapshot document with format metadata and an integrity
// digest so a truncated or hand-edited file is caught before Restore runs.
type Envelope struct {
	Format  int             `json:"format"`
	TakenAt time.Time       `json:"taken_at"`
	Digest  string          `json:"digest"`
	Data    json.RawMessage `json:"data"`
}

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce     sync.Once
	envelopeSchema *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		envelopeSchema, schemaErr = c.Compile("schema.json")
	})
	return envelopeSchema, schemaErr
}

// NewEnvelope marshals the snapshot and wraps it with the current format,
// timestamp and digest.
func NewEnvelope(snap *queue.Snapshot) (*Envelope, error) {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}
	return &Envelope{
		Format:  FormatVersion,
		TakenAt: time.Now().UTC(),
		Digest:  digest(data),
		Data:    data,
	}, nil
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	raw, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return raw, nil
}

// Encode marshals the snapshot into envelope bytes ready for storage.
func Encode(snap *queue.Snapshot) ([]byte, error) {
	env, err := NewEnvelope(snap)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// Decode validates envelope bytes and unwraps the snapshot document.
// Schema violations, format mismatches and digest mismatches all fail with
// queue.ErrCorruptSnapshot: a snapshot that cannot be trusted whole is not
// restored at all.
func Decode(raw []byte) (*queue.Snapshot, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling envelope schema: %w", err)
	}

	var doc any
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", queue.ErrCorruptSnapshot, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: envelope schema: %v", queue.ErrCorruptSnapshot, err)
	}

	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", queue.ErrCorruptSnapshot, err)
	}
	if env.Format != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format %d", queue.ErrCorruptSnapshot, env.Format)
	}
	if got := digest(env.Data); got != env.Digest {
		return nil, fmt.Errorf("%w: digest mismatch: stored %s, computed %s", queue.ErrCorruptSnapshot, env.Digest, got)
	}

	var snap queue.Snapshot
	if err := sonic.Unmarshal(env.Data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot document: %v", queue.ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// digest computes the hex blake3 digest of the snapshot document bytes.
func digest(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
