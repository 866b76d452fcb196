package port

import "context"

type ProofLedger interface {
	// TryRecord stores proofID permanently. Returns domain.ErrProofAlreadyUsed if it exists.
	TryRecord(ctx context.Context, proofID string) error

	// IsRecorded is a read-only pre-check; TryRecord remains the authority.
	IsRecorded(ctx context.Context, proofID string) (bool, error)
}

type RedemptionCodePool interface {
	// Redeem atomically removes code from the valid set, returning false if it was absent.
	Redeem(ctx context.Context, code string) (bool, error)

	AddCodes(ctx context.Context, codes ...string) error
}
