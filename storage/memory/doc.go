// Package memory provides an in-memory implementation of the storage
// interfaces: clients, authorization codes and refresh tokens.
//
// Maps are guarded by a single sync.RWMutex. Authorization codes are consumed
// under the write lock, so two concurrent exchanges of the same code can
// never both succeed. A background goroutine evicts expired codes and
// refresh tokens every cleanup interval.
//
// State is lost on restart and not shared between replicas. For multi-instance
// deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := oauth.NewServer(store, issuer, config, logger)
package memory
