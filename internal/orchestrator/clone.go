package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/durable"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

// CloneStatus is the outcome of a clone on one backend.
type CloneStatus string

const (
	CloneSuccess     CloneStatus = "success"
	CloneError       CloneStatus = "error"
	CloneUnavailable CloneStatus = "unavailable"
)

// BackendClone is one backend's part of a [CloneResult].
type BackendClone struct {
	Backend string      `json:"backend,omitempty"`
	Status  CloneStatus `json:"status"`
	VoiceID string      `json:"voice_id,omitempty"`
	Voice   *tts.Voice  `json:"voice,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Warning is set when the clone succeeded but the backend could not
	// persist its record of it.
	Warning string `json:"warning,omitempty"`
}

// CloneResult aggregates a clone across backends.
type CloneResult struct {
	VoiceName      string       `json:"voice_name"`
	Cloud          BackendClone `json:"cloud"`
	Local          BackendClone `json:"local"`
	DefaultVoiceID string       `json:"default_voice_id,omitempty"`
}

// CloneVoice registers sample under name on every backend concurrently.
// Backends fail independently and their outcomes are reported in the
// result. A successful cloud clone becomes the default voice; a local-only
// success leaves the default unchanged.
//
// The returned error is non-nil only when the new default could not be
// persisted; the result is complete in that case too.
func (o *Orchestrator) CloneVoice(ctx context.Context, sample []byte, name string) (_ *CloneResult, err error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.CloneVoice")
	defer func() { observe.EndSpan(span, err) }()

	if len(sample) == 0 {
		return nil, errors.New("orchestrator: clone: sample must not be empty")
	}

	res := &CloneResult{
		VoiceName: name,
		Cloud:     BackendClone{Status: CloneUnavailable},
		Local:     BackendClone{Status: CloneUnavailable},
	}
	log := observe.Logger(ctx)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, b := range o.backends {
		g.Go(func() error {
			bc := o.cloneOn(ctx, b, sample, name)
			o.metrics.RecordClone(ctx, b.name, string(bc.Status))
			switch {
			case bc.Status == CloneError:
				log.Warn("orchestrator: clone failed", "backend", b.name, "name", name, "err", bc.Error)
			case bc.Warning != "":
				log.Warn("orchestrator: clone not persisted", "backend", b.name, "name", name, "err", bc.Warning)
			}
			mu.Lock()
			defer mu.Unlock()
			if b.kind == tts.BackendCloud {
				res.Cloud = bc
			} else {
				res.Local = bc
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Cloud.Status == CloneSuccess {
		if err := o.SetDefaultVoice(res.Cloud.VoiceID); err != nil {
			res.DefaultVoiceID = o.DefaultVoice()
			return res, fmt.Errorf("orchestrator: clone: %w", err)
		}
	}
	res.DefaultVoiceID = o.DefaultVoice()
	log.Info("orchestrator: clone finished",
		"name", name,
		"cloud", res.Cloud.Status,
		"local", res.Local.Status,
		"default_voice", res.DefaultVoiceID,
	)
	return res, nil
}

func (o *Orchestrator) cloneOn(ctx context.Context, b backend, sample []byte, name string) BackendClone {
	bc := BackendClone{Backend: b.name}
	if !b.provider.Available() {
		bc.Status = CloneUnavailable
		return bc
	}
	v, err := b.provider.CloneVoice(ctx, sample, name)
	switch {
	case err != nil && v != nil && errors.Is(err, durable.ErrSaveFailed):
		bc.Status = CloneSuccess
		bc.VoiceID = v.ID
		bc.Voice = v
		bc.Warning = err.Error()
	case err != nil:
		bc.Status = CloneError
		bc.Error = err.Error()
	case v == nil:
		bc.Status = CloneError
		bc.Error = "backend returned no voice"
	default:
		bc.Status = CloneSuccess
		bc.VoiceID = v.ID
		bc.Voice = v
	}
	return bc
}
