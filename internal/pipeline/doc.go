// Package pipeline provides the TARA stage orchestrator.
//
// The orchestrator runs one stage for one scope per request. It validates
// the request against the stage registry, resolves the upstream artifacts
// the stage reads, makes exactly one generation call, and commits the
// normalized rows together with a fingerprint of the inputs that were read.
//
// # Run protocol
//
// A run goes through these steps and commits nothing on failure:
//
//   - Validate: the stage exists, parameters are well typed, and for
//     asset-scoped stages the asset is present in the stage 1 artifact.
//   - Resolve: every upstream artifact must exist; upstream stages are never
//     run implicitly.
//   - Fingerprint: sha256 over the (stage, scope, producedAt) tuples read.
//   - Dispatch: one call to the generation client.
//   - Commit: the artifact is stored and everything computed from the
//     previous version of the key is marked stale.
//
// A modify is a run whose prompt also carries operator feedback, an optional
// reference file and the rows being revised. It requires an existing
// artifact for the key.
//
// # Concurrency
//
// At most one run holds a (workspace, stage, scope) key. A second request
// for a held key gets an already_running error instead of queueing. When
// the caller's context expires the key is released and the late result is
// discarded. When the caller disconnects the generation keeps going and
// commits only while its run still holds the key.
package pipeline
