package extract

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"libcall.sandbox/internal/instrument"
	"libcall.sandbox/pkg/ir"
	"libcall.sandbox/pkg/policy"
)

// Pass drives extraction and instrumentation over a whole module: one graph
// and one artifact entry per defined function, emit calls inserted in place.
type Pass struct {
	cfg Config
	log *logrus.Logger
	// DotDir, when set, receives one .dot file per function.
	DotDir string
}

// NewPass returns a module pass with the given config.
func NewPass(cfg Config, log *logrus.Logger) *Pass {
	if log == nil {
		log = logrus.New()
	}
	return &Pass{cfg: cfg, log: log}
}

// Run extracts and instruments every defined function of m and returns the
// aggregated artifact. A function that fails to extract is logged and
// skipped; only an unusable module aborts the pass.
func (p *Pass) Run(m *ir.Module) (*policy.Artifact, error) {
	if m == nil {
		return nil, fmt.Errorf("no module to process")
	}
	if p.DotDir != "" {
		if err := os.MkdirAll(p.DotDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating dot dir: %w", err)
		}
	}

	x := NewExtractor(p.cfg)
	artifact := &policy.Artifact{}

	for _, fn := range m.Funcs {
		if len(fn.Blocks) == 0 {
			continue
		}
		ext, err := x.Function(fn)
		if err != nil {
			p.log.WithField("function", fn.Name).WithError(err).Error("extraction failed, skipping function")
			continue
		}
		if ids := ext.Collisions(); len(ids) > 0 {
			p.log.WithFields(logrus.Fields{
				"function": fn.Name,
				"dummyIds": ids,
			}).Debug("dummy id collisions; sites are distinguishable only in unique mode")
		}

		markers := make([]instrument.Marker, 0, len(ext.Sites))
		for _, s := range ext.Sites {
			id := int32(s.IDs.DummyID)
			if p.cfg.IDMode == policy.IDModeUnique {
				id = int32(s.IDs.UniqueID)
			}
			markers = append(markers, instrument.Marker{Block: s.Block, Index: s.Index, ID: id, Line: s.Line})
		}
		instrument.InsertMarkers(m, markers)

		artifact.Functions = append(artifact.Functions, policy.FromGraph(ext.Graph, x.cfg.Mod, p.cfg.IDMode, ext.Calls()))

		if p.DotDir != "" {
			path := filepath.Join(p.DotDir, fn.Name+".dot")
			if err := os.WriteFile(path, []byte(DOT(ext.Graph)), 0o644); err != nil {
				p.log.WithField("path", path).WithError(err).Error("writing dot file")
			}
		}

		p.log.WithFields(logrus.Fields{
			"function": fn.Name,
			"sites":    len(ext.Sites),
			"edges":    len(ext.Graph.Edges),
		}).Info("function extracted")
	}

	return artifact, nil
}
