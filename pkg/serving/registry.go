package serving

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/features"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"github.com/synaptica-ai/cardiorisk/pkg/riskmodel"
)

// Registry holds the model currently used for scoring. Readers take the
// handle returned by Current and keep it for the whole request, so a
// concurrent Fit never changes the model under them. Fits are serialized.
type Registry struct {
	name    string
	store   ArtifactStore
	current atomic.Pointer[riskmodel.Model]
	fitMu   sync.Mutex
}

func NewRegistry(name string, store ArtifactStore) *Registry {
	return &Registry{name: name, store: store}
}

func (r *Registry) Name() string { return r.name }

func (r *Registry) Current() (*riskmodel.Model, error) {
	m := r.current.Load()
	if m == nil {
		return nil, &apperr.Error{Kind: apperr.ErrNoModel, Detail: r.name}
	}
	return m, nil
}

// Swap installs m and returns the previous model, if any.
func (r *Registry) Swap(m *riskmodel.Model) *riskmodel.Model {
	prev := r.current.Swap(m)
	logger.Log.WithFields(logrus.Fields{
		"model":         r.name,
		"model_version": m.Version,
	}).Info("Model installed")
	return prev
}

// Fit trains a new model version, persists it when a store is configured
// and installs it. The returned path is empty without a store.
func (r *Registry) Fit(ctx context.Context, table *features.Table, labels []int, opts riskmodel.Options) (*riskmodel.Model, string, error) {
	r.fitMu.Lock()
	defer r.fitMu.Unlock()

	if opts.Name == "" {
		opts.Name = r.name
	}
	m, err := riskmodel.Fit(ctx, table, labels, opts)
	metrics.ObserveTraining(err)
	if err != nil {
		return nil, "", err
	}

	var path string
	if r.store != nil {
		if path, err = r.store.Save(ctx, m); err != nil {
			return nil, "", err
		}
	}
	r.Swap(m)
	return m, path, nil
}

// Load installs the latest stored artifact. It reports whether the
// installed version changed.
func (r *Registry) Load(ctx context.Context) (bool, error) {
	if r.store == nil {
		return false, errors.New("registry has no artifact store")
	}
	m, err := r.store.Latest(ctx, r.name)
	if err != nil {
		return false, err
	}
	if cur := r.current.Load(); cur != nil && cur.Version == m.Version {
		return false, nil
	}
	r.Swap(m)
	return true, nil
}
