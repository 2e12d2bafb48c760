// Package model issues subtitle-generation requests against the remote
// model endpoint. The HTTP client handles one RPC; the adapter on top adds
// per-fingerprint memoization, a circuit breaker, and bounded retries.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/maauso/subpipe/internal/job"
)

// Request describes one segment-level generation.
type Request struct {
	// SegmentRef is the opaque object-store reference to the uploaded clip.
	SegmentRef string
	// SegmentChecksum is the clip's content hash, used for memoization.
	SegmentChecksum string
	Language        string
	Mode            job.Mode
	Prompt          Prompt
}

// Generator is the port the scheduler drives. Generate returns the raw cue
// listing produced by the model for one segment and target.
type Generator interface {
	Generate(ctx context.Context, req Request) (cueText string, err error)
}

// Fingerprint identifies a generation by everything that determines its
// output. Two requests with the same fingerprint are interchangeable, so
// results can be shared and repeats deduplicated.
func Fingerprint(modelID string, req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s",
		modelID, req.SegmentChecksum, req.Language, req.Mode, req.Prompt.Version)
	return hex.EncodeToString(h.Sum(nil))
}
