package transceiver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"custodial-ledger-go/internal/apperror"
	"custodial-ledger-go/internal/models"

	"go.uber.org/zap"
)

const KindStatic = "static"

// Factory builds the transceiver of one primary wallet from its configuration
type Factory func(ctx context.Context, wallet models.PrimaryWallet) (Transceiver, error)

// Registry maps configured transceiver kinds to their factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the static backend registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindStatic, NewStaticFromConfig)
	return r
}

func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (r *Registry) Build(ctx context.Context, wallet models.PrimaryWallet) (Transceiver, error) {
	r.mu.RLock()
	f, ok := r.factories[wallet.Transceiver.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, apperror.ConfigurationError(
			fmt.Sprintf("primary wallet %s: unknown transceiver kind %q", wallet.Name, wallet.Transceiver.Kind), nil)
	}

	t, err := f(ctx, wallet)
	if err != nil {
		return nil, apperror.ConfigurationError(fmt.Sprintf("primary wallet %s: transceiver setup failed", wallet.Name), err)
	}
	zap.L().Info("Transceiver ready",
		zap.String("primary_wallet", wallet.Name),
		zap.String("blockchain", wallet.Blockchain),
		zap.String("kind", wallet.Transceiver.Kind))
	return t, nil
}

// BuildAll builds one transceiver per primary wallet, keyed by primary wallet name
func (r *Registry) BuildAll(ctx context.Context, wallets []models.PrimaryWallet) (map[string]Transceiver, error) {
	out := make(map[string]Transceiver, len(wallets))
	for _, w := range wallets {
		t, err := r.Build(ctx, w)
		if err != nil {
			return nil, err
		}
		out[w.Name] = t
	}
	return out, nil
}
