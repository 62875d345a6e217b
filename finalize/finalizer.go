package finalize

import (
	"context"
	"fmt"
	"log/slog"

	"soaflow/soa"
)

// Finalizer implements soa.DocumentFinalizer: render, then store under a key
// derived from the SOA id so repeated calls overwrite one object.
type Finalizer struct {
	renderer Renderer
	store    ObjectStore
	logger   *slog.Logger
}

func NewFinalizer(renderer Renderer, store ObjectStore, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{renderer: renderer, store: store, logger: logger}
}

// ArtifactKey is the storage key of the executed PDF for soaID.
func ArtifactKey(soaID string) string {
	return "soa/" + soaID + ".pdf"
}

func (f *Finalizer) Finalize(ctx context.Context, r soa.Record) (soa.Artifact, error) {
	if !r.Countersigned() || r.ClientSignedAt == nil {
		return soa.Artifact{}, fmt.Errorf("finalize: soa %s is not fully signed", r.ID)
	}
	pdf, err := f.renderer.Render(ctx, r)
	if err != nil {
		return soa.Artifact{}, err
	}
	key := ArtifactKey(r.ID)
	digest, err := f.store.Put(ctx, key, pdf)
	if err != nil {
		return soa.Artifact{}, err
	}
	f.logger.InfoContext(ctx, "soa artifact stored", "soa_id", r.ID, "key", key, "bytes", len(pdf))
	return soa.Artifact{Key: key, Digest: digest}, nil
}
