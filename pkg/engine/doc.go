// Package engine provides the reconciliation core of gpuforge.
//
// # Overview
//
// A pass brings one GPU inference host in line with a Manifest. Each
// Descriptor in the manifest is handled by the same state machine:
//
//  1. Probe - classify the destination as satisfied, missing, inconsistent or unreadable (Prober)
//  2. Decide - skip satisfied descriptors, fail unreadable ones, repair the rest
//  3. Apply - fetch the artifact (Fetcher), patch the config file (Patcher) or install a package (PackageManager)
//  4. Post-fetch - run the descriptor's install hook (ActionRunner)
//  5. Report - record the Outcome in the Report
//
// After the last descriptor the service is restarted (ServiceController)
// unless a config patch failed.
//
// # Core Domain Types
//
//   - Descriptor: one declared unit of desired state
//   - Kind: ConfigPatch, Plugin, ModelFile, ModelDirectory or SystemPackage
//   - PatchRule: a typed append, rewrite or insert-after transformation
//   - ProbeResult: the ephemeral classification of a descriptor
//   - DescriptorResult: the Outcome recorded for a descriptor
//   - Report: the ordered results of a pass plus the restart decision
//
// # Idempotence
//
// The filesystem is the only source of truth. Nothing is persisted between
// passes that the Prober reads back, so running a pass twice on a converged
// host performs no writes. Fetchers stage content beside the destination and
// publish it with a rename, so an interrupted pass leaves the destination
// absent and the next probe reports it missing.
//
// # Ordering and Failure Isolation
//
// Descriptors run in manifest order. A descriptor may list prerequisites in
// Requires; OrderBuilder then moves it after them while keeping every other
// descriptor where it was declared. A failed descriptor never stops the pass.
// Its dependents fail with DEPENDENCY_FAILED and everything else is attempted.
//
// # Exit Status
//
// Report.ExitCode is 0 iff no descriptor marked Required failed.
//
// # Error Classification
//
// Errors are EngineError values classified as transient or permanent and
// tagged with a code such as PROBE_ERROR or FETCH_ERROR:
//
//	if engine.IsTransient(err) {
//	    // a later pass may succeed
//	}
package engine
