package policy

import "errors"

var (
	// ErrSchemaVersionUnsupported means a capsule's schema_version falls
	// outside SupportedSchemaRange.
	ErrSchemaVersionUnsupported = errors.New("schema_version_unsupported")
	// ErrSchemaValidation means a capsule failed JSON Schema validation.
	ErrSchemaValidation = errors.New("schema_validation_failed")
	// ErrGasExhausted means evaluation ran out of gas before a verdict.
	ErrGasExhausted = errors.New("gas_exhausted")
	// ErrEngineHashMismatch means the capsule's declared engine_hash does
	// not match the hash of the engine that loaded it.
	ErrEngineHashMismatch = errors.New("engine_hash_mismatch")
)
