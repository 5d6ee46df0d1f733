// Package app composes the vault layer into a running application.
//
// # Architecture Role
//
// The app package sits above the chain gateway and the authority keystore and
// wires them into the domain services. It is NOT a business logic layer -
// business logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── buyout/         # Buyout offers and lifecycle states
//	│   ├── vault/          # Fractionalization records
//	│   └── content/        # Content items with denormalized snapshots
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (OfferStore, FractionalizationStore, ...)
//	│   ├── memory/         # In-memory implementation
//	│   └── postgres/       # PostgreSQL implementation
//	├── services/           # Domain services
//	│   ├── buyout/         # Offer coordination and the expiry sweeper
//	│   └── vault/          # Vault creation and fractionalization
//	├── httpapi/            # HTTP surface over the services
//	├── metrics/            # Prometheus collectors
//	└── system/             # Service lifecycle management
//
// # Wiring
//
// cmd/gateway builds the chain client, the program gateway and the keystore,
// selects a store from the environment, and hands everything to app.New. The
// Application owns the lifecycle of background services; the HTTP handler is
// layered on top by the caller.
package app
