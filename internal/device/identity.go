// Package device derives the stable per-installation device identifier sent
// with every license request.
package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/seatkeeper/internal/crypto"
	"github.com/MacJediWizard/seatkeeper/internal/options"
)

// OptionKey is the option the device ID is stored under.
const OptionKey = "device_id"

const seedLength = 128

// Store is the subset of the option store the identity needs.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

var _ Store = (*options.Store)(nil)

// Inputs are the installation facts mixed into a new device ID.
type Inputs struct {
	SiteURL     string
	HomeURL     string
	InstallHash string
	ProductID   uint64
	Version     string
	Slug        string
}

// Identity returns the installation's device ID, generating it once.
type Identity struct {
	mu     sync.Mutex
	store  Store
	hasher *crypto.Hasher
	inputs Inputs
	logger zerolog.Logger
	now    func() time.Time
	random func(int) (string, error)

	id string
}

// NewIdentity creates an Identity backed by store.
func NewIdentity(store Store, hasher *crypto.Hasher, inputs Inputs, logger zerolog.Logger) *Identity {
	return &Identity{
		store:  store,
		hasher: hasher,
		inputs: inputs,
		logger: logger.With().Str("component", "device").Logger(),
		now:    time.Now,
		random: crypto.RandomString,
	}
}

// ID returns the stored device ID, generating and storing one on first use.
// A stored ID is never regenerated.
func (i *Identity) ID(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id, nil
	}

	var stored string
	found, err := i.store.Get(ctx, OptionKey, &stored)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if found && stored != "" {
		i.id = stored
		return stored, nil
	}

	id, err := i.generate()
	if err != nil {
		return "", err
	}
	if err := i.store.Set(ctx, OptionKey, id); err != nil {
		return "", fmt.Errorf("store device id: %w", err)
	}
	i.id = id
	i.logger.Info().Str("device_id", id).Msg("generated device id")
	return id, nil
}

// Reset forgets the cached ID so the next call re-reads the store.
func (i *Identity) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.id = ""
}

func (i *Identity) generate() (string, error) {
	seed, err := i.random(seedLength)
	if err != nil {
		return "", fmt.Errorf("generate device seed: %w", err)
	}
	now := i.now()
	micro := fmt.Sprintf("%.8f %d", float64(now.Nanosecond()/1000)/1e6, now.Unix())

	payload := strings.Join([]string{
		seed,
		i.inputs.SiteURL,
		i.inputs.HomeURL,
		i.inputs.InstallHash,
		strconv.FormatUint(i.inputs.ProductID, 10),
		i.inputs.Version,
		i.inputs.Slug,
		micro,
	}, "||")
	return i.hasher.Hash(payload), nil
}
