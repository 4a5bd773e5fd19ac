package service

import (
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
)

// PostProcessor adjusts a transaction after it is built from its row and before
// it is stored. Hooks may rewrite display fields such as Description; raw
// fields and amounts must be left alone.
type PostProcessor func(tx *repository.Transaction)

// NoOp leaves the transaction unchanged.
func NoOp(*repository.Transaction) {}

// CleanDescription collapses whitespace in the description.
func CleanDescription(tx *repository.Transaction) {
	tx.Description = normalizer.CleanDescription(tx.Description)
}

func builtinPostProcessors() map[string]PostProcessor {
	return map[string]PostProcessor{
		"":                  NoOp,
		"none":              NoOp,
		"clean_description": CleanDescription,
	}
}
