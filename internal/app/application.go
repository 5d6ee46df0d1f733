package app

import (
	"context"

	buyoutsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/buyout"
	vaultsvc "github.com/Arteon-Labs/vault_layer/internal/app/services/vault"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage/memory"
	"github.com/Arteon-Labs/vault_layer/internal/app/system"
	"github.com/Arteon-Labs/vault_layer/internal/chain"
	"github.com/Arteon-Labs/vault_layer/internal/wallet"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Offers             storage.OfferStore
	Fractionalizations storage.FractionalizationStore
	Contents           storage.ContentStore
}

// Config carries the application-level settings.
type Config struct {
	Network       string
	SweepSchedule string
}

// Application ties the buyout and vault services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Buyouts *buyoutsvc.Service
	Vaults  *vaultsvc.Service
}

// New builds a fully initialised application around the program gateway and
// the authority keystore.
func New(program *chain.ProgramClient, keystore *wallet.Keystore, stores Stores, cfg Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Offers == nil {
		stores.Offers = mem
	}
	if stores.Fractionalizations == nil {
		stores.Fractionalizations = mem
	}
	if stores.Contents == nil {
		stores.Contents = mem
	}

	manager := system.NewManager(log)

	buyoutService := buyoutsvc.New(program, keystore, stores.Offers, cfg.Network, log)
	vaultService := vaultsvc.New(program, keystore, stores.Fractionalizations, stores.Contents, cfg.Network, log)

	sweeper := buyoutsvc.NewSweeper(stores.Offers, cfg.SweepSchedule, log)
	manager.Register(sweeper)

	return &Application{
		manager: manager,
		log:     log,
		Buyouts: buyoutService,
		Vaults:  vaultService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) {
	a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
