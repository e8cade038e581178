package storage

import (
	"github.com/substratehq/substrate/pkg/types"
)

// Store archives completed executions so kernel history survives an engine
// restart. A nil Store disables archiving.
type Store interface {
	// SaveExecution appends a completed execution to a kernel's archive
	SaveExecution(kernelID string, rec *types.ExecutionRecord) error

	// ListExecutions returns a kernel's archived executions in completion
	// order
	ListExecutions(kernelID string) ([]*types.ExecutionRecord, error)

	// DeleteKernel removes every archived execution of a kernel
	DeleteKernel(kernelID string) error

	// Close releases the underlying database
	Close() error
}
